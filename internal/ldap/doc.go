/*
Package ldap provides the Active Directory operations behind altsecids: a
directory client, principal lookup by logon name, and value-level edits of
the altSecurityIdentities attribute.

# Architecture Overview

The package is organized into a few core components:

  - Client: one authenticated connection, established on first use
  - PrincipalResolver: locates user and computer accounts by sAMAccountName
  - AttributeEditor: adds or removes a single altSecurityIdentities value
  - Handlers: objectSid and objectGUID decoding for diagnostics

# Connection Management

The Client interface wraps a single go-ldap connection:

  - Explicit ldap:// or ldaps:// URLs, or SRV-based domain controller discovery
  - LDAPS, or StartTLS on plain LDAP when TLS is required
  - Simple, NTLM (password or NT hash), Kerberos, certificate and current-user binds
  - Retry with exponential backoff while connecting

Operations honour context cancellation. A Client is not safe for concurrent
use; the command layer opens one per invocation.

# Attribute Values

altSecurityIdentities values such as

	X509:<I>DC=local,DC=mydomain,CN=myca<S>DC=local,DC=mydomain,CN=mycert
	X509:<SKI>4b8c70eeaadd62c88487a27c79a444ec930837f4

are opaque strings. They are never parsed, normalized or re-encoded; the
directory decides whether a value exists or is malformed.

# Error Handling

Failures are reported through a few error types:

  - LDAPError: categorized result with the server diagnostic and retryability
  - ResolutionError: a logon name matched nothing, or more than one principal
  - MutationError: the directory rejected an attribute change

Diagnostic extracts the most specific message for display.

# Example Usage

	client, err := ldap.NewClient(&ldap.ConnectionConfig{
		Domain:   "mydomain.local",
		Username: `MYDOMAIN\admin`,
		Password: "password",
		UseNTLM:  true,
		UseTLS:   true,
		Timeout:  30 * time.Second,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ref, err := ldap.NewPrincipalResolver(client, "").FindOne(ctx, "bob")
	if err != nil {
		return err
	}
	err = ldap.NewAttributeEditor(client).AddValue(ctx, ref, "X509:<SKI>4b8c70eeaadd62c88487a27c79a444ec930837f4")
*/
package ldap

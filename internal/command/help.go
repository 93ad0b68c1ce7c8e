package command

import (
	"fmt"
	"io"
)

const helpText = `
altsecids

    Manage explicit certificate mappings (altSecurityIdentities) of
    Active Directory user and computer accounts.

Usage:
    altsecids [connection flags] command [options]

Commands:
    l | list               - List current altSecurityIdentities entries.
    a | add                - Add altSecurityIdentities entry for target account.
    r | remove             - Remove altSecurityIdentities entry for target account.
    h | help (default)     - Show this help.

Options:
    /t /target:<account>   - The targeted account (end with $ for computer accounts).
    /a /altsecid:<value>   - The altSecurityIdentity value (X509:<I>...|X509:<SKI>...)

Connection flags (also AD_* environment variables or altsecids.yaml):
    --domain, --ldap-url, --base-dn, --username, --password, --nt-hash, --ntlm,
    --kerberos-realm, --kerberos-keytab, --kerberos-config, --kerberos-ccache,
    --kerberos-spn, --use-tls, --skip-tls-verify, --tls-ca-cert-file, --tls-ca-cert,
    --tls-client-cert-file, --tls-client-key-file, --connect-timeout,
    --max-retries, --initial-backoff, --max-backoff, --log-level, --config

Examples:
    altsecids list
    altsecids l /target:bob
    altsecids a /target:bob "/altsecid:X509:<I>DC=local,DC=mydomain,CN=myca<S>DC=local,DC=mydomain,CN=mycert"
    altsecids r /target:bob "/altsecid:X509:<I>DC=local,DC=mydomain,CN=myca<S>DC=local,DC=mydomain,CN=mycert"
    altsecids add /target:srv01$ /altsecid:X509:<SKI>4b8c70eeaadd62c88487a27c79a444ec930837f4
    altsecids remove /target:srv01$ /altsecid:X509:<SKI>4b8c70eeaadd62c88487a27c79a444ec930837f4

Exit codes:
    0 success, 1 configuration or connection error, 2 invalid arguments,
    3 account lookup failed, 4 directory rejected the change
`

// PrintHelp writes the usage text to w.
func PrintHelp(w io.Writer) {
	fmt.Fprint(w, helpText)
}

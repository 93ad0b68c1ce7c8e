package ldap

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const (
	pagingSize        = 1000
	maxPagesPerSearch = 1000
)

// client implements the Client interface on a single connection that is
// established on first use.
type client struct {
	config    *ConnectionConfig
	discovery *SRVDiscovery

	conn   *ldap.Conn
	server *ServerInfo
	baseDN string
}

// ClientOption customizes a client created by NewClient.
type ClientOption func(*client)

// WithDiscovery sets the SRV discovery used to locate domain controllers.
func WithDiscovery(discovery *SRVDiscovery) ClientOption {
	return func(c *client) {
		c.discovery = discovery
	}
}

// NewClient creates a directory client for config. No network activity
// happens until the first operation or an explicit Connect.
func NewClient(config *ConnectionConfig, opts ...ClientOption) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid connection configuration: %w", err)
	}

	c := &client{
		config:    config,
		discovery: NewSRVDiscovery(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.Domain == "" && len(config.LDAPURLs) == 0 {
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.MaxRetries > 0 && config.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be at least 1.0")
	}

	return nil
}

// Connect establishes and authenticates the connection if not already done.
func (c *client) Connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	return LogOperation(ctx, "ldap", "connect", map[string]any{
		"domain":      c.config.Domain,
		"ldap_urls":   c.config.LDAPURLs,
		"auth_method": c.config.GetAuthMethod().String(),
		"use_tls":     c.config.UseTLS,
	}, func() error {
		servers, err := ResolveServers(ctx, c.config, c.discovery)
		if err != nil {
			return NewConnectionError("server discovery failed", false, err)
		}
		if len(servers) == 0 {
			return NewConnectionError("no servers discovered", false, nil)
		}

		return c.withRetry(ctx, func() error {
			var lastErr error
			for _, server := range servers {
				if err := ctx.Err(); err != nil {
					return err
				}

				conn, err := c.dial(ctx, server)
				if err != nil {
					LogConnectionEvent(ctx, "connection_failed", map[string]any{
						"server": ServerInfoToURL(server),
						"error":  err.Error(),
					})
					if !IsRetryableError(err) {
						return err
					}
					lastErr = err
					continue
				}

				c.conn = conn
				c.server = server
				LogConnectionEvent(ctx, "connection_established", map[string]any{
					"server": ServerInfoToURL(server),
					"source": server.Source,
				})
				return nil
			}
			return lastErr
		})
	})
}

// dial opens, secures and authenticates a connection to server.
func (c *client) dial(ctx context.Context, server *ServerInfo) (*ldap.Conn, error) {
	url := ServerInfoToURL(server)

	tlsConfig, err := buildTLSConfig(c.config, server.Host)
	if err != nil {
		return nil, NewConnectionError("invalid TLS configuration", false, err)
	}

	LogConnectionEvent(ctx, "connection_attempt", map[string]any{
		"server": url,
	})

	dialer := &net.Dialer{Timeout: c.config.Timeout}

	var conn *ldap.Conn
	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsConfig))
	} else {
		conn, err = ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err == nil && c.config.UseTLS {
			if tlsErr := conn.StartTLS(tlsConfig); tlsErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("StartTLS to %s failed: %w", url, tlsErr)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(c.config.Timeout)

	if err := c.authenticate(ctx, conn, server); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to authenticate to %s: %w", url, err)
	}

	return conn, nil
}

// authenticate performs authentication based on the configured method.
func (c *client) authenticate(ctx context.Context, conn *ldap.Conn, server *ServerInfo) error {
	authMethod := c.config.GetAuthMethod()
	fields := map[string]any{
		"auth_method":          authMethod.String(),
		"explicit_credentials": c.config.HasExplicitCredentials(),
		"username":             c.config.Username,
	}

	start := time.Now()
	var err error

	switch authMethod {
	case AuthMethodSimpleBind:
		err = conn.Bind(c.config.Username, c.config.Password)
	case AuthMethodKerberos:
		err = performKerberosAuth(ctx, conn, c.config, server)
	case AuthMethodExternal:
		err = conn.ExternalBind()
	case AuthMethodNTLM:
		domain, username := splitNTLMUsername(c.config.Username, c.config.Domain)
		if c.config.NTHash != "" {
			err = conn.NTLMBindWithHash(domain, username, c.config.NTHash)
		} else {
			err = conn.NTLMBind(domain, username, c.config.Password)
		}
	case AuthMethodCurrentUser:
		err = performCurrentUserAuth(ctx, conn, c.config, server)
	default:
		err = fmt.Errorf("unsupported authentication method: %s", authMethod.String())
	}

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		LogLDAPError(ctx, "ldap", "bind", err, fields)
		return err
	}

	LogConnectionEvent(ctx, "authentication_success", fields)
	return nil
}

// splitNTLMUsername splits DOMAIN\user and user@domain forms, falling back
// to defaultDomain for a bare user name.
func splitNTLMUsername(username, defaultDomain string) (domain, user string) {
	if d, u, ok := strings.Cut(username, `\`); ok {
		return d, u
	}
	if u, d, ok := strings.Cut(username, "@"); ok {
		return d, u
	}
	return defaultDomain, username
}

// ensureConnected connects lazily and honours ctx cancellation.
func (c *client) ensureConnected(ctx context.Context) (*ldap.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// Close closes the underlying connection.
func (c *client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.server = nil
	return err
}

// Search performs an LDAP search. A size limit exceeded result is returned
// as a partial result with HasMore set.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
	}
	tflog.SubsystemDebug(ctx, "ldap", "Starting search operation", fields)

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	result, err := conn.Search(ldapReq)
	hasMore := false
	if err != nil {
		if result == nil || !ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			LogLDAPError(ctx, "ldap", "search", err, fields)
			return nil, WrapError("search", err)
		}
		hasMore = true
	}

	if req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit {
		hasMore = true
	}

	tflog.SubsystemDebug(ctx, "ldap", "Search completed", map[string]any{
		"entries_found": len(result.Entries),
		"has_more":      hasMore,
	})

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
		HasMore: hasMore,
	}, nil
}

// SearchWithPaging performs an LDAP search with the simple paged results control.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, errors.New("search request cannot be nil")
	}

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	fields := map[string]any{
		"base_dn":    req.BaseDN,
		"filter":     req.Filter,
		"scope":      req.Scope.String(),
		"attributes": req.Attributes,
		"page_size":  pagingSize,
	}
	tflog.SubsystemDebug(ctx, "ldap", "Starting paged search", fields)

	var allEntries []*ldap.Entry
	pagingControl := ldap.NewControlPaging(pagingSize)

	for pageNum := 1; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			tflog.SubsystemWarn(ctx, "ldap", "Paged search cancelled by context", map[string]any{
				"pages_completed": pageNum - 1,
				"entries_found":   len(allEntries),
			})
			return nil, err
		}

		if pageNum > maxPagesPerSearch {
			tflog.SubsystemError(ctx, "ldap", "Paged search exceeded maximum page limit, terminating", map[string]any{
				"max_pages":     maxPagesPerSearch,
				"entries_found": len(allEntries),
			})
			return &SearchResult{Entries: allEntries, Total: len(allEntries), HasMore: true}, nil
		}

		ldapReq := ldap.NewSearchRequest(
			req.BaseDN,
			int(req.Scope),
			int(req.DerefAliases),
			0,
			int(req.TimeLimit.Seconds()),
			false,
			req.Filter,
			req.Attributes,
			[]ldap.Control{pagingControl},
		)

		result, err := conn.Search(ldapReq)
		if err != nil {
			LogLDAPError(ctx, "ldap", "paged_search", err, fields)
			return nil, WrapError("search", err)
		}

		allEntries = append(allEntries, result.Entries...)

		tflog.SubsystemTrace(ctx, "ldap", "Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(allEntries),
		})

		responseControl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(responseControl.Cookie) == 0 {
			break
		}
		pagingControl.SetCookie(responseControl.Cookie)
	}

	tflog.SubsystemDebug(ctx, "ldap", "Paged search completed", map[string]any{
		"total_entries": len(allEntries),
		"duration_ms":   time.Since(start).Milliseconds(),
	})

	return &SearchResult{
		Entries: allEntries,
		Total:   len(allEntries),
	}, nil
}

// Modify applies value-level changes to one entry in a single request.
func (c *client) Modify(ctx context.Context, req *ModifyRequest) error {
	if req == nil {
		return errors.New("modify request cannot be nil")
	}
	if req.DN == "" {
		return errors.New("DN cannot be empty")
	}

	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	ldapReq := ldap.NewModifyRequest(req.DN, nil)
	for _, attr := range slices.Sorted(maps.Keys(req.AddAttributes)) {
		ldapReq.Add(attr, req.AddAttributes[attr])
	}
	for _, attr := range slices.Sorted(maps.Keys(req.DeleteAttributes)) {
		ldapReq.Delete(attr, req.DeleteAttributes[attr])
	}

	fields := map[string]any{
		"dn":      req.DN,
		"changes": len(ldapReq.Changes),
	}

	return LogOperation(ctx, "ldap", "modify", fields, func() error {
		if err := conn.Modify(ldapReq); err != nil {
			LogLDAPError(ctx, "ldap", "modify", err, fields)
			ldapErr := NewLDAPError("modify", err)
			ldapErr.DN = req.DN
			return ldapErr
		}
		return nil
	})
}

// GetBaseDN returns the configured base DN, or the defaultNamingContext of
// the RootDSE when none was configured.
func (c *client) GetBaseDN(ctx context.Context) (string, error) {
	if c.config.BaseDN != "" {
		return c.config.BaseDN, nil
	}
	if c.baseDN != "" {
		return c.baseDN, nil
	}

	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"defaultNamingContext"},
		SizeLimit:  1,
		TimeLimit:  c.config.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get base DN: %w", err)
	}

	if len(result.Entries) == 0 {
		return "", errors.New("no root DSE found")
	}

	baseDN := result.Entries[0].GetAttributeValue("defaultNamingContext")
	if baseDN == "" {
		return "", errors.New("no defaultNamingContext found in root DSE")
	}

	tflog.SubsystemDebug(ctx, "ldap", "Discovered base DN from root DSE", map[string]any{
		"base_dn": baseDN,
	})

	c.baseDN = baseDN
	return baseDN, nil
}

// WhoAmI performs the LDAP Who Am I? extended operation.
func (c *client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	result, err := conn.WhoAmI(nil)
	if err != nil {
		return nil, WrapError("whoami", err)
	}

	return ParseAuthzID(result.AuthzID), nil
}

// ParseAuthzID classifies an authorization identity returned by Who Am I?.
func ParseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}

	clean := strings.TrimPrefix(strings.TrimPrefix(authzID, "dn:"), "u:")
	switch {
	case clean == "":
		result.Format = "empty"
	case strings.HasPrefix(authzID, "dn:") || strings.Contains(strings.ToUpper(clean), "DC="):
		result.Format = "dn"
	case strings.Contains(clean, `\`):
		result.Format = "sam"
	case strings.Contains(clean, "@"):
		result.Format = "upn"
	default:
		result.Format = "unknown"
	}

	return result
}

// withRetry executes operation, retrying retryable failures with exponential backoff.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, "ldap", "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, "ldap", "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

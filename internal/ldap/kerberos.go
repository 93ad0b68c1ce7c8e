package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5ConfPath = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI bind on conn.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	krb5conf, cleanup, err := prepareKerberosConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}
	defer cleanup()

	gssapiClient, err := createGSSAPIClient(ctx, cfg, krb5conf)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	tflog.SubsystemDebug(ctx, "kerberos", "Performing GSSAPI bind", map[string]any{
		"spn":   spn,
		"realm": cfg.KerberosRealm,
	})

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

// createGSSAPIClient creates a GSSAPI client from the first usable credential
// source: explicit ccache, default ccache, explicit keytab, default keytab, password.
func createGSSAPIClient(ctx context.Context, cfg *ConnectionConfig, krb5conf string) (*gssapi.Client, error) {
	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		tflog.SubsystemDebug(ctx, "kerberos", "Using credential cache", map[string]any{"path": cfg.KerberosCCache})
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if defaultCCache := getDefaultCCachePath(); fileExists(defaultCCache) {
		tflog.SubsystemDebug(ctx, "kerberos", "Using default credential cache", map[string]any{"path": defaultCCache})
		return gssapi.NewClientFromCCache(defaultCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		tflog.SubsystemDebug(ctx, "kerberos", "Using keytab", map[string]any{"path": cfg.KerberosKeytab})
		return gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.Username != "" {
		if defaultKeytab := getDefaultKeytabPath(); fileExists(defaultKeytab) {
			tflog.SubsystemDebug(ctx, "kerberos", "Using default keytab", map[string]any{"path": defaultKeytab})
			return gssapi.NewClientWithKeytab(cfg.Username, cfg.KerberosRealm, defaultKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		tflog.SubsystemDebug(ctx, "kerberos", "Using password", map[string]any{"username": cfg.Username})
		return gssapi.NewClientWithPassword(cfg.Username, cfg.KerberosRealm, cfg.Password, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, errors.New("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal returns cfg.KerberosSPN when set, otherwise ldap/<host>.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", errors.New("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", errors.New("hostname is required for service principal")
	}

	return "ldap/" + serverInfo.Host, nil
}

// prepareKerberosConfig normalizes the principal and realm and returns the
// path of a usable krb5.conf. When no configuration file exists a runtime
// configuration relying on DNS KDC discovery is written to a temporary file,
// which cleanup removes.
func prepareKerberosConfig(ctx context.Context, cfg *ConnectionConfig) (string, func(), error) {
	noop := func() {}

	if cfg == nil {
		return "", noop, errors.New("configuration cannot be nil")
	}

	if user, realm, ok := strings.Cut(cfg.Username, "@"); ok {
		cfg.Username = user
		if cfg.KerberosRealm == "" {
			cfg.KerberosRealm = realm
		}
	}

	if cfg.KerberosRealm == "" && cfg.Domain != "" {
		cfg.KerberosRealm = strings.ToUpper(cfg.Domain)
	}

	if cfg.KerberosRealm == "" {
		return "", noop, errors.New("kerberos realm is required (set --kerberos-realm or include realm in username)")
	}

	hasCCache := (cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache)) || fileExists(getDefaultCCachePath())
	hasKeytab := (cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab)) || fileExists(getDefaultKeytabPath())
	if !hasCCache && !hasKeytab && cfg.Password == "" {
		return "", noop, errors.New("no suitable Kerberos credentials found: provide --kerberos-ccache, --kerberos-keytab, a password, or ensure a default credential cache or keytab exists")
	}

	if !hasCCache && cfg.Username == "" {
		return "", noop, errors.New("username (principal) is required for Kerberos keytab or password authentication")
	}

	path := cfg.KerberosConfig
	if path == "" {
		path = defaultKrb5ConfPath
	}
	if fileExists(path) {
		return path, noop, nil
	}
	if cfg.KerberosConfig != "" {
		return "", noop, fmt.Errorf("kerberos configuration file not found at %s", cfg.KerberosConfig)
	}

	return writeRuntimeKrb5Conf(ctx, cfg)
}

func writeRuntimeKrb5Conf(ctx context.Context, cfg *ConnectionConfig) (string, func(), error) {
	noop := func() {}

	content, err := generateRuntimeKrb5Conf(ctx, cfg)
	if err != nil {
		return "", noop, err
	}

	f, err := os.CreateTemp("", "altsecids-krb5-*.conf")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create runtime krb5.conf: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		_ = os.Remove(f.Name())
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	tflog.SubsystemDebug(ctx, "kerberos", "Using runtime krb5.conf", map[string]any{
		"path":  f.Name(),
		"realm": cfg.KerberosRealm,
	})

	name := f.Name()
	return name, func() { _ = os.Remove(name) }, nil
}

// generateRuntimeKrb5Conf renders a krb5.conf that locates KDCs through DNS.
func generateRuntimeKrb5Conf(_ context.Context, cfg *ConnectionConfig) (string, error) {
	if cfg.KerberosRealm == "" {
		return "", errors.New("kerberos realm is required for auto-discovery")
	}

	realm := strings.ToUpper(cfg.KerberosRealm)
	domain := strings.ToLower(cfg.KerberosRealm)
	if cfg.Domain != "" {
		domain = strings.ToLower(cfg.Domain)
	}

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`, realm, realm, domain, realm, domain, realm), nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

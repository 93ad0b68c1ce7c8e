// Package config merges command-line flags, AD_* environment variables and
// an optional YAML file into the directory connection configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	ldapclient "github.com/isometry/altsecids/internal/ldap"
)

const (
	// EnvPrefix is prepended to upper-cased flag names to form environment variable names.
	EnvPrefix = "AD"

	configName = "altsecids"
)

// Config is the merged configuration. Precedence, highest first: flags,
// environment, config file, defaults.
type Config struct {
	ConfigFile string `mapstructure:"config"`

	// Connection
	Domain   string   `mapstructure:"domain"`
	LDAPURLs []string `mapstructure:"ldap-url"`
	BaseDN   string   `mapstructure:"base-dn"`

	// Authentication
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	NTHash         string `mapstructure:"nt-hash"`
	NTLM           bool   `mapstructure:"ntlm"`
	KerberosRealm  string `mapstructure:"kerberos-realm"`
	KerberosKeytab string `mapstructure:"kerberos-keytab"`
	KerberosConfig string `mapstructure:"kerberos-config"`
	KerberosCCache string `mapstructure:"kerberos-ccache"`
	KerberosSPN    string `mapstructure:"kerberos-spn"`

	// TLS
	UseTLS            bool   `mapstructure:"use-tls" default:"true"`
	SkipTLSVerify     bool   `mapstructure:"skip-tls-verify"`
	TLSCACertFile     string `mapstructure:"tls-ca-cert-file"`
	TLSCACert         string `mapstructure:"tls-ca-cert"`
	TLSClientCertFile string `mapstructure:"tls-client-cert-file"`
	TLSClientKeyFile  string `mapstructure:"tls-client-key-file"`

	// Timeouts and retries
	ConnectTimeout time.Duration `mapstructure:"connect-timeout" default:"30s"`
	MaxRetries     int           `mapstructure:"max-retries" default:"2"`
	InitialBackoff time.Duration `mapstructure:"initial-backoff" default:"500ms"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff" default:"10s"`

	LogLevel string `mapstructure:"log-level" default:"off"`

	// UnknownFlags holds dash-prefixed arguments that name no flag. They are
	// reported by the caller and otherwise ignored.
	UnknownFlags []string `mapstructure:"-"`
}

// NewFlagSet returns the connection flags with defaults taken from cfg.
func NewFlagSet(name string, cfg *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SortFlags = false
	flags.SetOutput(io.Discard)

	flags.String("config", cfg.ConfigFile, "path to a YAML configuration file")

	flags.String("domain", cfg.Domain, "Active Directory domain for DNS SRV discovery")
	flags.StringSlice("ldap-url", cfg.LDAPURLs, "LDAP server URL (ldap:// or ldaps://), overrides --domain")
	flags.String("base-dn", cfg.BaseDN, "search base (default: defaultNamingContext of the RootDSE)")

	flags.String("username", cfg.Username, "bind user (DN, UPN, DOMAIN\\user or Kerberos principal)")
	flags.String("password", cfg.Password, "bind password (prompted on a terminal when omitted)")
	flags.String("nt-hash", cfg.NTHash, "NT hash for NTLM pass-the-hash authentication")
	flags.Bool("ntlm", cfg.NTLM, "use an NTLM bind for --username/--password")
	flags.String("kerberos-realm", cfg.KerberosRealm, "Kerberos realm, enables GSSAPI authentication")
	flags.String("kerberos-keytab", cfg.KerberosKeytab, "path to a Kerberos keytab")
	flags.String("kerberos-config", cfg.KerberosConfig, "path to krb5.conf (default /etc/krb5.conf, generated when missing)")
	flags.String("kerberos-ccache", cfg.KerberosCCache, "path to a Kerberos credential cache")
	flags.String("kerberos-spn", cfg.KerberosSPN, "LDAP service principal name (default ldap/<server>)")

	flags.Bool("use-tls", cfg.UseTLS, "require TLS (LDAPS or StartTLS)")
	flags.Bool("skip-tls-verify", cfg.SkipTLSVerify, "do not verify the server certificate")
	flags.String("tls-ca-cert-file", cfg.TLSCACertFile, "PEM file with additional CA certificates")
	flags.String("tls-ca-cert", cfg.TLSCACert, "PEM content with additional CA certificates")
	flags.String("tls-client-cert-file", cfg.TLSClientCertFile, "client certificate for SASL EXTERNAL authentication")
	flags.String("tls-client-key-file", cfg.TLSClientKeyFile, "client private key for SASL EXTERNAL authentication")

	flags.Duration("connect-timeout", cfg.ConnectTimeout, "connection and request timeout")
	flags.Int("max-retries", cfg.MaxRetries, "connection attempts retried after the first")
	flags.Duration("initial-backoff", cfg.InitialBackoff, "delay before the first connection retry")
	flags.Duration("max-backoff", cfg.MaxBackoff, "maximum delay between connection retries")

	flags.String("log-level", cfg.LogLevel, "log level written to stderr (off, error, warn, info, debug, trace)")

	return flags
}

// Load parses args and merges them with the environment and config file.
// It returns the configuration and the remaining positional arguments.
// pflag.ErrHelp is returned unchanged when -h or --help is given.
func Load(args []string) (*Config, []string, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to set default values: %w", err)
	}

	flags := NewFlagSet(configName, cfg)
	args, unknown := splitUnknownFlags(flags, args)
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if err := readConfigFile(v); err != nil {
		return nil, nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg.UnknownFlags = unknown

	return cfg, flags.Args(), nil
}

// splitUnknownFlags removes dash-prefixed arguments that name no flag in
// flags. Values of known flags and everything after "--" are kept as given.
// No shorthands are registered, so -h and -help are the only single-dash
// arguments left for pflag, which answers them with ErrHelp.
func splitUnknownFlags(flags *pflag.FlagSet, args []string) (known, unknown []string) {
	known = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return append(known, args[i:]...), unknown
		case len(arg) < 2 || arg[0] != '-':
			known = append(known, arg)
		case arg == "-h" || arg == "-help":
			known = append(known, arg)
		case strings.HasPrefix(arg, "--"):
			name, _, hasValue := strings.Cut(arg[2:], "=")
			if name == "help" {
				known = append(known, arg)
				continue
			}
			flag := flags.Lookup(name)
			if flag == nil {
				unknown = append(unknown, arg)
				continue
			}
			known = append(known, arg)
			if !hasValue && flag.NoOptDefVal == "" && i+1 < len(args) {
				i++
				known = append(known, args[i])
			}
		default:
			unknown = append(unknown, arg)
		}
	}
	return known, unknown
}

// readConfigFile loads --config, or altsecids.yaml from the working
// directory or $HOME/.config/altsecids. Only an explicit file must exist.
func readConfigFile(v *viper.Viper) error {
	explicit := v.GetString("config")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Validate checks values that cannot be verified by type alone.
func (c *Config) Validate() error {
	if c.NTHash != "" {
		if b, err := hex.DecodeString(c.NTHash); err != nil || len(b) != 16 {
			return errors.New("nt-hash must be 32 hexadecimal characters")
		}
	}

	if c.BaseDN != "" {
		if _, err := ldap.ParseDN(c.BaseDN); err != nil {
			return fmt.Errorf("base-dn %q is not a valid distinguished name: %w", c.BaseDN, err)
		}
	}

	if (c.TLSClientCertFile == "") != (c.TLSClientKeyFile == "") {
		return errors.New("tls-client-cert-file and tls-client-key-file must be set together")
	}

	if c.ConnectTimeout <= 0 {
		return errors.New("connect-timeout must be positive")
	}

	if c.MaxRetries < 0 {
		return errors.New("max-retries cannot be negative")
	}

	if !strings.EqualFold(c.LogLevel, "off") && hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("invalid log-level %q", c.LogLevel)
	}

	return nil
}

// NeedsPassword reports whether a username was given without any
// credential to go with it. Kerberos may still find a default credential
// cache, so a realm alone never asks for a password.
func (c *Config) NeedsPassword() bool {
	return c.Username != "" &&
		c.Password == "" &&
		c.NTHash == "" &&
		c.KerberosRealm == "" &&
		c.KerberosKeytab == "" &&
		c.KerberosCCache == ""
}

// Usage returns the help text of the connection flags.
func Usage() string {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	return NewFlagSet(configName, cfg).FlagUsages()
}

// ConnectionConfig builds the directory client configuration. Without a
// domain or URL the USERDNSDOMAIN of the logged-on Windows user is used.
func (c *Config) ConnectionConfig() (*ldapclient.ConnectionConfig, error) {
	cc := ldapclient.DefaultConfig()

	cc.Domain = c.Domain
	cc.LDAPURLs = c.LDAPURLs
	if cc.Domain == "" && len(cc.LDAPURLs) == 0 {
		cc.Domain = strings.ToLower(os.Getenv("USERDNSDOMAIN"))
	}
	if cc.Domain == "" && len(cc.LDAPURLs) == 0 {
		return nil, errors.New("either --domain or --ldap-url must be set (or AD_DOMAIN / AD_LDAP_URL)")
	}
	cc.BaseDN = c.BaseDN

	cc.Username = c.Username
	cc.Password = c.Password
	cc.NTHash = strings.ToLower(c.NTHash)
	cc.UseNTLM = c.NTLM
	cc.KerberosRealm = c.KerberosRealm
	cc.KerberosKeytab = c.KerberosKeytab
	cc.KerberosConfig = c.KerberosConfig
	cc.KerberosCCache = c.KerberosCCache
	cc.KerberosSPN = c.KerberosSPN

	cc.UseTLS = c.UseTLS
	if c.SkipTLSVerify {
		cc.TLSConfig.InsecureSkipVerify = true
	}
	cc.TLSCACertFile = c.TLSCACertFile
	cc.TLSCACert = c.TLSCACert
	cc.TLSClientCertFile = c.TLSClientCertFile
	cc.TLSClientKeyFile = c.TLSClientKeyFile

	cc.Timeout = c.ConnectTimeout
	cc.MaxRetries = c.MaxRetries
	cc.InitialBackoff = c.InitialBackoff
	cc.MaxBackoff = max(c.MaxBackoff, c.InitialBackoff)

	return cc, nil
}

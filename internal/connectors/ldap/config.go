package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"

	"github.com/isometry/icf-remote/internal/framework"
)

// MaxConnectionPoolLimit bounds Config.MaxConnections.
const MaxConnectionPoolLimit = 100

// Configuration property names.
const (
	PropertyURLs                  = "urls"
	PropertyDomain                = "domain"
	PropertyBaseDN                = "baseDN"
	PropertyAccountContainer      = "accountContainer"
	PropertyGroupContainer        = "groupContainer"
	PropertyDirectoryType         = "directoryType"
	PropertyBindDN                = "bindDN"
	PropertyBindPassword          = "bindPassword"
	PropertyKerberosRealm         = "kerberosRealm"
	PropertyKerberosKeytab        = "kerberosKeytab"
	PropertyKerberosConfig        = "kerberosConfig"
	PropertyKerberosCCache        = "kerberosCCache"
	PropertyKerberosSPN           = "kerberosSPN"
	PropertyStartTLS              = "startTLS"
	PropertyInsecureSkipVerify    = "insecureSkipVerify"
	PropertyCACertFile            = "caCertFile"
	PropertyClientCertFile        = "clientCertFile"
	PropertyClientKeyFile         = "clientKeyFile"
	PropertyTimeout               = "timeout"
	PropertyMaxConnections        = "maxConnections"
	PropertyMaxIdleTime           = "maxIdleTime"
	PropertyHealthCheck           = "healthCheckInterval"
	PropertyMaxRetries            = "maxRetries"
	PropertyInitialBackoff        = "initialBackoff"
	PropertyMaxBackoff            = "maxBackoff"
	PropertyPageSize              = "pageSize"
	PropertyAccountObjectClasses  = "accountObjectClasses"
	PropertyGroupObjectClasses    = "groupObjectClasses"
	PropertyReauthenticationAfter = "reauthenticateAfter"
)

// Directory flavours.
const (
	DirectoryActiveDirectory = "ad"
	DirectoryRFC4519         = "rfc4519"
)

// Config holds the settings of one configured LDAP connector instance.
type Config struct {
	URLs             []string `json:"urls"`
	// Domain locates servers through DNS SRV records when URLs is empty.
	Domain           string   `json:"domain"`
	BaseDN           string   `json:"base_dn"`
	AccountContainer string   `json:"account_container"`
	GroupContainer   string   `json:"group_container"`
	DirectoryType    string   `json:"directory_type" default:"ad"`

	// Authentication. Kerberos takes precedence when a realm is set.
	BindDN         string `json:"bind_dn"`
	BindPassword   string `json:"-"`
	KerberosRealm  string `json:"kerberos_realm"`
	KerberosKeytab string `json:"kerberos_keytab"`
	KerberosConfig string `json:"kerberos_config" default:"/etc/krb5.conf"`
	KerberosCCache string `json:"kerberos_ccache"`
	KerberosSPN    string `json:"kerberos_spn"`

	StartTLS           bool   `json:"start_tls" default:"true"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	CACertFile         string `json:"ca_cert_file"`
	ClientCertFile     string `json:"client_cert_file"`
	ClientKeyFile      string `json:"client_key_file"`

	Timeout             time.Duration `json:"timeout" default:"30s"`
	MaxConnections      int           `json:"max_connections" default:"10"`
	MaxIdleTime         time.Duration `json:"max_idle_time" default:"5m"`
	HealthCheck         time.Duration `json:"health_check" default:"30s"`
	ReauthenticateAfter time.Duration `json:"reauthenticate_after" default:"5m"`

	MaxRetries     int           `json:"max_retries" default:"3"`
	InitialBackoff time.Duration `json:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `json:"max_backoff" default:"30s"`
	BackoffFactor  float64       `json:"backoff_factor" default:"2.0"`

	PageSize int `json:"page_size" default:"500"`

	AccountObjectClasses []string `json:"account_object_classes"`
	GroupObjectClasses   []string `json:"group_object_classes"`
}

// AuthMethod selects how pooled connections bind.
type AuthMethod int

const (
	AuthMethodAnonymous AuthMethod = iota
	AuthMethodSimpleBind
	AuthMethodKerberos
	AuthMethodExternal
)

func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AuthMethod determines the bind method from the configured credentials.
func (c *Config) AuthMethod() AuthMethod {
	switch {
	case c.KerberosRealm != "" && c.BindDN != "":
		return AuthMethodKerberos
	case c.BindDN != "":
		return AuthMethodSimpleBind
	case c.ClientCertFile != "" && c.ClientKeyFile != "":
		return AuthMethodExternal
	default:
		return AuthMethodAnonymous
	}
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("ldap: invalid default tags: %v", err))
	}
	return cfg
}

// parseConfig reads connector configuration properties over the defaults.
func parseConfig(props framework.Configuration) (*Config, error) {
	cfg := DefaultConfig()

	cfg.URLs = props.Strings(PropertyURLs)
	cfg.Domain = props.String(PropertyDomain)
	cfg.BaseDN = props.String(PropertyBaseDN)
	cfg.AccountContainer = props.String(PropertyAccountContainer)
	cfg.GroupContainer = props.String(PropertyGroupContainer)
	setString(&cfg.DirectoryType, props, PropertyDirectoryType)

	cfg.BindDN = props.String(PropertyBindDN)
	cfg.BindPassword = props.String(PropertyBindPassword)
	cfg.KerberosRealm = props.String(PropertyKerberosRealm)
	cfg.KerberosKeytab = props.String(PropertyKerberosKeytab)
	setString(&cfg.KerberosConfig, props, PropertyKerberosConfig)
	cfg.KerberosCCache = props.String(PropertyKerberosCCache)
	cfg.KerberosSPN = props.String(PropertyKerberosSPN)

	if _, ok := props[PropertyStartTLS]; ok {
		cfg.StartTLS = props.Bool(PropertyStartTLS)
	}
	cfg.InsecureSkipVerify = props.Bool(PropertyInsecureSkipVerify)
	cfg.CACertFile = props.String(PropertyCACertFile)
	cfg.ClientCertFile = props.String(PropertyClientCertFile)
	cfg.ClientKeyFile = props.String(PropertyClientKeyFile)

	cfg.MaxConnections = props.Int(PropertyMaxConnections, cfg.MaxConnections)
	cfg.MaxRetries = props.Int(PropertyMaxRetries, cfg.MaxRetries)
	cfg.PageSize = props.Int(PropertyPageSize, cfg.PageSize)

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{PropertyTimeout, &cfg.Timeout},
		{PropertyMaxIdleTime, &cfg.MaxIdleTime},
		{PropertyHealthCheck, &cfg.HealthCheck},
		{PropertyReauthenticationAfter, &cfg.ReauthenticateAfter},
		{PropertyInitialBackoff, &cfg.InitialBackoff},
		{PropertyMaxBackoff, &cfg.MaxBackoff},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, props, d.name); err != nil {
			return nil, err
		}
	}

	cfg.AccountObjectClasses = props.Strings(PropertyAccountObjectClasses)
	cfg.GroupObjectClasses = props.Strings(PropertyGroupObjectClasses)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, props framework.Configuration, name string) {
	if v := props.String(name); v != "" {
		*dst = v
	}
}

// setDuration accepts a duration string ("30s") or a number of seconds.
func setDuration(dst *time.Duration, props framework.Configuration, name string) error {
	v, ok := props[name]
	if !ok || v == nil {
		return nil
	}

	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			if n, convErr := strconv.Atoi(s); convErr == nil {
				*dst = time.Duration(n) * time.Second
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	n := props.Int(name, -1)
	if n < 0 {
		return fmt.Errorf("%s: unsupported duration value %v", name, v)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func validateConfig(cfg *Config) error {
	if len(cfg.URLs) == 0 && cfg.Domain == "" {
		return errors.New("at least one LDAP URL or a domain is required")
	}
	for _, u := range cfg.URLs {
		if _, err := parseServerURL(u); err != nil {
			return fmt.Errorf("invalid LDAP URL %q: %w", u, err)
		}
	}

	if cfg.BaseDN == "" {
		return errors.New("base DN is required")
	}

	switch cfg.DirectoryType {
	case DirectoryActiveDirectory, DirectoryRFC4519:
	default:
		return fmt.Errorf("unknown directory type %q", cfg.DirectoryType)
	}

	if cfg.BindDN != "" && cfg.BindPassword == "" && cfg.KerberosRealm == "" {
		return errors.New("bind password is required for simple bind")
	}

	if (cfg.ClientCertFile == "") != (cfg.ClientKeyFile == "") {
		return errors.New("client certificate and key must be set together")
	}

	if cfg.MaxConnections <= 0 {
		return errors.New("max connections must be positive")
	}

	if cfg.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("max connections too high (max %d)", MaxConnectionPoolLimit)
	}

	if cfg.MaxIdleTime <= 0 {
		return errors.New("max idle time must be positive")
	}

	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if cfg.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}

	if cfg.BackoffFactor <= 1.0 {
		return errors.New("backoff factor must be greater than 1.0")
	}

	if cfg.PageSize <= 0 {
		return errors.New("page size must be positive")
	}

	return nil
}

// tlsConfig builds the client TLS configuration.
func (c *Config) tlsConfig(serverName string) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for lab directories
	}

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACertFile)
		}
		tc.RootCAs = pool
	}

	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}

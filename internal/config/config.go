package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the environment
// (server_url -> KEYCLOAK_SERVER_URL, jwks.fetch_timeout -> KEYCLOAK_JWKS_FETCH_TIMEOUT).
const EnvPrefix = "KEYCLOAK"

// Defaults
const (
	DefaultServerAddr       = "localhost:8080"
	DefaultDatabaseURL      = "sqlite:///auth.db"
	DefaultTokenLeeway      = 30 * time.Second
	DefaultFetchTimeout     = 10 * time.Second
	DefaultMinRefetch       = 10 * time.Second
	DefaultSecretTimeout    = 5 * time.Second
	DefaultVaultSecretPath  = "secret/data/keycloak"
	DefaultClientSecretName = "CLIENT_SECRET"
	DefaultLogLevel         = "info"
)

// Config holds the application configuration
type Config struct {
	// Server bind address (host:port)
	ServerAddr string

	// Identity store connection string. sqlite file paths, sqlite:///path,
	// file: URIs and postgres:// DSNs are accepted.
	DatabaseURL string

	// Create or upgrade the identity tables on startup
	AutoMigrate bool

	// Enable debug logging (overrides LogLevel)
	Debug    bool
	LogLevel string

	// Roles allowed to read other users' role assignments over HTTP
	AdminRoles []string

	Keycloak      KeycloakConfig
	Secrets       SecretsConfig
	Observability ObservabilityConfig
}

// ObservabilityConfig configures trace export. Tracing is disabled when
// OTLPEndpoint is empty.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// KeycloakConfig describes the realm whose tokens are accepted.
type KeycloakConfig struct {
	ServerURL string
	Realm     string

	// ClientID is the expected audience of every accepted token.
	ClientID string

	// ClientSecret is empty until resolved through the secret chain unless it was
	// supplied directly (KEYCLOAK_CLIENT_SECRET).
	ClientSecret     string
	ClientSecretName string

	// TokenLeeway is the clock skew tolerated on exp/iat checks.
	TokenLeeway time.Duration

	// AllowedAlgorithms is the explicit JWS algorithm allow-list. The token header
	// alg is never trusted on its own.
	AllowedAlgorithms []string

	// IncludeClientRoles merges resource_access.<client_id>.roles into the realm roles.
	IncludeClientRoles bool

	JWKS JWKSConfig
}

// JWKSConfig controls how the realm signing keys are cached.
type JWKSConfig struct {
	// RefetchOnMiss refetches the key set once when a token names an unknown kid.
	RefetchOnMiss bool
	// RefreshInterval enables periodic background refresh when > 0.
	RefreshInterval time.Duration
	// FetchTimeout bounds a single JWKS request.
	FetchTimeout time.Duration
	// MinRefetchInterval spaces out refetches triggered by unknown kids.
	// Zero disables the limit.
	MinRefetchInterval time.Duration
}

// SecretsConfig gates the optional secret backends. A backend with no target
// configured is skipped.
type SecretsConfig struct {
	VaultAddr       string
	VaultToken      string
	VaultSecretPath string

	AWSSecretName string
	AWSRegion     string

	// Timeout bounds each backend call.
	Timeout time.Duration
	// CacheTTL enables caching of resolved secrets when > 0.
	CacheTTL time.Duration
}

// IssuerURL returns the expected iss claim: {server_url}/realms/{realm}.
func (k KeycloakConfig) IssuerURL() string {
	return strings.TrimRight(k.ServerURL, "/") + "/realms/" + k.Realm
}

// JWKSURL returns the realm certificate endpoint.
func (k KeycloakConfig) JWKSURL() string {
	return k.IssuerURL() + "/protocol/openid-connect/certs"
}

// ConfigurationError reports a missing or invalid setting.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", DefaultServerAddr)
	v.SetDefault("db_url", DefaultDatabaseURL)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("admin_roles", "admin")

	v.SetDefault("server_url", "")
	v.SetDefault("realm", "")
	v.SetDefault("client_id", "")
	v.SetDefault("client_secret", "")
	v.SetDefault("client_secret_name", DefaultClientSecretName)
	v.SetDefault("token_leeway", "30")
	v.SetDefault("allowed_algorithms", "RS256")
	v.SetDefault("include_client_roles", false)

	v.SetDefault("jwks.refetch_on_miss", true)
	v.SetDefault("jwks.refresh_interval", "0s")
	v.SetDefault("jwks.fetch_timeout", DefaultFetchTimeout.String())
	v.SetDefault("jwks.min_refetch_interval", DefaultMinRefetch.String())

	v.SetDefault("secrets.vault_secret_path", DefaultVaultSecretPath)
	v.SetDefault("secrets.timeout", DefaultSecretTimeout.String())
	v.SetDefault("secrets.cache_ttl", "0s")

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.service_name", "kcauth")
	v.SetDefault("otel.service_version", "dev")
	v.SetDefault("otel.environment", "development")
}

// bindSecretEnv maps the secret backend settings to their conventional,
// unprefixed environment variables. BAO_* wins over VAULT_* like the openbao client.
func bindSecretEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"secrets.vault_addr":        {"BAO_ADDR", "VAULT_ADDR"},
		"secrets.vault_token":       {"BAO_TOKEN", "VAULT_TOKEN"},
		"secrets.vault_secret_path": {"VAULT_SECRET_PATH"},
		"secrets.aws_secret_name":   {"AWS_SECRET_NAME"},
		"secrets.aws_region":        {"AWS_REGION", "AWS_DEFAULT_REGION"},
		"otel.endpoint":             {"OTEL_EXPORTER_OTLP_ENDPOINT"},
		"otel.service_name":         {"OTEL_SERVICE_NAME"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from the global viper instance (config file, flags
// bound by the CLI, KEYCLOAK_* environment variables) and validates it.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLocal is Load for commands that only touch the identity store or the
// secret backends. The realm settings are read but not required.
func LoadLocal() (*Config, error) {
	return LoadLocalFrom(viper.GetViper())
}

// LoadLocalFrom reads configuration from v and applies ValidateLocal.
func LoadLocalFrom(v *viper.Viper) (*Config, error) {
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateLocal(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindSecretEnv(v); err != nil {
		return nil, err
	}

	leeway, err := parseSeconds(v.GetString("token_leeway"))
	if err != nil {
		return nil, &ConfigurationError{Key: "token_leeway", Reason: err.Error()}
	}
	refreshInterval, err := parseDuration(v, "jwks.refresh_interval")
	if err != nil {
		return nil, err
	}
	fetchTimeout, err := parseDuration(v, "jwks.fetch_timeout")
	if err != nil {
		return nil, err
	}
	minRefetch, err := parseDuration(v, "jwks.min_refetch_interval")
	if err != nil {
		return nil, err
	}
	secretTimeout, err := parseDuration(v, "secrets.timeout")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parseDuration(v, "secrets.cache_ttl")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerAddr:  v.GetString("server_addr"),
		DatabaseURL: v.GetString("db_url"),
		AutoMigrate: v.GetBool("db.auto_migrate"),
		Debug:       v.GetBool("debug"),
		LogLevel:    v.GetString("log_level"),
		AdminRoles:  stringList(v.Get("admin_roles")),
		Keycloak: KeycloakConfig{
			ServerURL:          strings.TrimRight(v.GetString("server_url"), "/"),
			Realm:              v.GetString("realm"),
			ClientID:           v.GetString("client_id"),
			ClientSecret:       v.GetString("client_secret"),
			ClientSecretName:   v.GetString("client_secret_name"),
			TokenLeeway:        leeway,
			AllowedAlgorithms:  stringList(v.Get("allowed_algorithms")),
			IncludeClientRoles: v.GetBool("include_client_roles"),
			JWKS: JWKSConfig{
				RefetchOnMiss:      v.GetBool("jwks.refetch_on_miss"),
				RefreshInterval:    refreshInterval,
				FetchTimeout:       fetchTimeout,
				MinRefetchInterval: minRefetch,
			},
		},
		Secrets: SecretsConfig{
			VaultAddr:       v.GetString("secrets.vault_addr"),
			VaultToken:      v.GetString("secrets.vault_token"),
			VaultSecretPath: v.GetString("secrets.vault_secret_path"),
			AWSSecretName:   v.GetString("secrets.aws_secret_name"),
			AWSRegion:       v.GetString("secrets.aws_region"),
			Timeout:         secretTimeout,
			CacheTTL:        cacheTTL,
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   v.GetString("otel.endpoint"),
			OTLPInsecure:   v.GetBool("otel.insecure"),
			ServiceName:    v.GetString("otel.service_name"),
			ServiceVersion: v.GetString("otel.service_version"),
			Environment:    v.GetString("otel.environment"),
		},
	}
	return cfg, nil
}

// Validate checks every setting needed to accept tokens from the realm.
func (c *Config) Validate() error {
	if err := c.ValidateLocal(); err != nil {
		return err
	}
	k := c.Keycloak
	if k.ServerURL == "" {
		return &ConfigurationError{Key: "server_url", Reason: "is required"}
	}
	u, err := url.Parse(k.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Key: "server_url", Reason: fmt.Sprintf("%q is not an http(s) URL", k.ServerURL)}
	}
	if k.Realm == "" {
		return &ConfigurationError{Key: "realm", Reason: "is required"}
	}
	if k.ClientID == "" {
		return &ConfigurationError{Key: "client_id", Reason: "is required"}
	}
	if k.TokenLeeway < 0 {
		return &ConfigurationError{Key: "token_leeway", Reason: "must not be negative"}
	}
	if len(k.AllowedAlgorithms) == 0 {
		return &ConfigurationError{Key: "allowed_algorithms", Reason: "at least one algorithm is required"}
	}
	for _, alg := range k.AllowedAlgorithms {
		if strings.EqualFold(alg, "none") || jwt.GetSigningMethod(alg) == nil {
			return &ConfigurationError{Key: "allowed_algorithms", Reason: fmt.Sprintf("unsupported algorithm %q", alg)}
		}
	}
	if k.JWKS.FetchTimeout <= 0 {
		return &ConfigurationError{Key: "jwks.fetch_timeout", Reason: "must be positive"}
	}
	if k.JWKS.RefreshInterval < 0 {
		return &ConfigurationError{Key: "jwks.refresh_interval", Reason: "must not be negative"}
	}
	if k.JWKS.MinRefetchInterval < 0 {
		return &ConfigurationError{Key: "jwks.min_refetch_interval", Reason: "must not be negative"}
	}
	if len(c.AdminRoles) == 0 {
		return &ConfigurationError{Key: "admin_roles", Reason: "at least one role is required"}
	}
	return nil
}

// ValidateLocal checks the identity store and secret backend settings only.
func (c *Config) ValidateLocal() error {
	if c.DatabaseURL == "" {
		return &ConfigurationError{Key: "db_url", Reason: "is required"}
	}
	if c.Secrets.Timeout <= 0 {
		return &ConfigurationError{Key: "secrets.timeout", Reason: "must be positive"}
	}
	return nil
}

// parseSeconds accepts a bare integer number of seconds or a Go duration string.
func parseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultTokenLeeway, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", raw)
	}
	return d, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, &ConfigurationError{Key: key, Reason: fmt.Sprintf("invalid duration %q", raw)}
	}
	return d, nil
}

// stringList normalises a list setting that may arrive as a YAML list or as a
// comma/space separated environment string.
func stringList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		parts = val
	case []any:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(val)}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
)

const (
	DefaultRateLimit      = 200
	DefaultRateWindow     = 10 * time.Minute
	DefaultStateTTL       = 10 * time.Minute
	DefaultRefreshMargin  = 60 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
	DefaultSessionTTL     = 24 * time.Hour
	DefaultSessionIssuer  = "tally"
	DefaultQueueSize      = 1024
	DefaultFallbackSize   = 4096
	DefaultDrainInterval  = 30 * time.Second
	DefaultReportTimeout  = 60 * time.Second
	DefaultApiAddress     = "127.0.0.1:8400"

	apiKeyEnvPrefix = "API_KEY_"
)

// DefaultScopes are requested when the oauth block lists none.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/analytics.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Config is the configuration for the tally server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	// DefaultProperty is used by api keys that don't name their own property.
	DefaultProperty string `hcl:"default_property,optional"`

	Listeners []ListenerBlock `hcl:"listener,block"`
	Storage   *StorageBlock   `hcl:"storage,block"`
	OAuth     *OAuthBlock     `hcl:"oauth,block"`
	Session   *SessionBlock   `hcl:"session,block"`
	RateLimit *RateLimitBlock `hcl:"rate_limit,block"`
	Usage     *UsageBlock     `hcl:"usage,block"`
	Reporting *ReportingBlock `hcl:"reporting,block"`
	APIKeys   []APIKeyBlock   `hcl:"api_key,block"`
}

type ListenerBlock struct {
	Name        string `hcl:"name,label"`
	Address     string `hcl:"address"`
	TLSCertFile string `hcl:"tls_cert_file,optional"`
	TLSKeyFile  string `hcl:"tls_key_file,optional"`
	TLSEnabled  bool   `hcl:"tls_enabled,optional"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "sqlite"

	// sqlite database file
	Path string `hcl:"path,optional"`
	// number of grants kept in the read cache
	CacheSize int `hcl:"cache_size,optional"`
}

type OAuthBlock struct {
	ClientID     string   `hcl:"client_id,optional"`
	ClientSecret string   `hcl:"client_secret,optional"`
	RedirectURL  string   `hcl:"redirect_url,optional"`
	Scopes       []string `hcl:"scopes,optional"`

	// Endpoint overrides, mostly for tests and proxies.
	AuthURL     string `hcl:"auth_url,optional"`
	TokenURL    string `hcl:"token_url,optional"`
	UserinfoURL string `hcl:"userinfo_url,optional"`
	AdminURL    string `hcl:"admin_url,optional"`

	StateTTLRaw       string  `hcl:"state_ttl,optional"`
	RefreshMarginRaw  string  `hcl:"refresh_margin,optional"`
	RefreshTimeoutRaw string  `hcl:"refresh_timeout,optional"`
	RequestsPerSecond float64 `hcl:"requests_per_second,optional"`

	StateTTL       time.Duration
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
}

// Enabled reports whether the OAuth flow can run at all.
func (o *OAuthBlock) Enabled() bool {
	return o != nil && o.ClientID != "" && o.ClientSecret != "" && o.RedirectURL != ""
}

type SessionBlock struct {
	SigningKey string `hcl:"signing_key,optional"`
	Issuer     string `hcl:"issuer,optional"`
	TTLRaw     string `hcl:"ttl,optional"`

	TTL time.Duration
}

type RateLimitBlock struct {
	Limit     int    `hcl:"limit,optional"`
	WindowRaw string `hcl:"window,optional"`

	Window time.Duration
}

type UsageBlock struct {
	Sink             string `hcl:"sink,label"` // "storage" or "file"
	Path             string `hcl:"path,optional"`
	QueueSize        int    `hcl:"queue_size,optional"`
	FallbackSize     int    `hcl:"fallback_size,optional"`
	DrainIntervalRaw string `hcl:"drain_interval,optional"`

	DrainInterval time.Duration
}

type ReportingBlock struct {
	BaseURL            string `hcl:"base_url,optional"`
	ServiceAccountFile string `hcl:"service_account_file,optional"`
	TimeoutRaw         string `hcl:"timeout,optional"`

	Timeout time.Duration
}

type APIKeyBlock struct {
	User     string `hcl:"user,label"`
	Key      string `hcl:"key"`
	Property string `hcl:"property,optional"`
}

// Option adjusts a decoded configuration before validation.
type Option func(*Config)

// LoadConfig reads configFile (when not empty), applies environment overrides
// and opts, and validates the result. A .env file in the working directory is
// loaded first if present; variables already set in the environment win.
func LoadConfig(configFile string, opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var config Config
	if configFile != "" {
		if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
			return nil, err
		}
	}

	config.applyEnv(os.Environ())
	for _, opt := range opts {
		opt(&config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv overlays the process environment. API_KEY_<USER> entries are
// added as static keys unless the file already declares that user.
func (c *Config) applyEnv(environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	if v := env["GA4_PROPERTY_ID"]; v != "" {
		c.DefaultProperty = v
	}

	if c.OAuth == nil {
		c.OAuth = &OAuthBlock{}
	}
	if v := env["GOOGLE_CLIENT_ID"]; v != "" {
		c.OAuth.ClientID = v
	}
	if v := env["GOOGLE_CLIENT_SECRET"]; v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := env["OAUTH_REDIRECT_URI"]; v != "" {
		c.OAuth.RedirectURL = v
	}

	if c.Session == nil {
		c.Session = &SessionBlock{}
	}
	if v := env["TALLY_SESSION_KEY"]; v != "" {
		c.Session.SigningKey = v
	}

	declared := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		declared[strings.ToLower(k.User)] = true
	}

	var fromEnv []APIKeyBlock
	for k, v := range env {
		if !strings.HasPrefix(k, apiKeyEnvPrefix) || v == "" {
			continue
		}
		user := strings.ToLower(strings.TrimPrefix(k, apiKeyEnvPrefix))
		if user == "" || declared[user] {
			continue
		}
		fromEnv = append(fromEnv, APIKeyBlock{User: user, Key: v})
	}
	sort.Slice(fromEnv, func(i, j int) bool { return fromEnv[i].User < fromEnv[j].User })
	c.APIKeys = append(c.APIKeys, fromEnv...)
}

// Validate fills defaults, parses durations and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error

	duration := func(name, raw string, def time.Duration) time.Duration {
		if raw == "" {
			return def
		}
		d, err := parseutil.ParseDurationSecond(raw)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			return def
		}
		if d <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s must be positive", name))
			return def
		}
		return d
	}

	if len(c.Listeners) == 0 {
		c.Listeners = []ListenerBlock{{Name: "api", Address: DefaultApiAddress}}
	}
	seen := make(map[string]bool)
	for _, l := range c.Listeners {
		if seen[l.Name] {
			result = multierror.Append(result, fmt.Errorf("listener %q declared twice", l.Name))
		}
		seen[l.Name] = true
		if l.TLSEnabled && (l.TLSCertFile == "" || l.TLSKeyFile == "") {
			result = multierror.Append(result, fmt.Errorf("listener %q: tls_enabled requires tls_cert_file and tls_key_file", l.Name))
		}
	}

	if c.Storage == nil {
		c.Storage = &StorageBlock{Type: "inmem"}
	}
	switch c.Storage.Type {
	case "inmem":
	case "sqlite":
		if c.Storage.Path == "" {
			result = multierror.Append(result, errors.New(`storage "sqlite" requires path`))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}
	if c.Storage.CacheSize <= 0 {
		c.Storage.CacheSize = 1000
	}

	if c.OAuth == nil {
		c.OAuth = &OAuthBlock{}
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = append([]string(nil), DefaultScopes...)
	}
	c.OAuth.Scopes = strutil.RemoveDuplicates(c.OAuth.Scopes, false)
	c.OAuth.StateTTL = duration("oauth.state_ttl", c.OAuth.StateTTLRaw, DefaultStateTTL)
	c.OAuth.RefreshMargin = duration("oauth.refresh_margin", c.OAuth.RefreshMarginRaw, DefaultRefreshMargin)
	c.OAuth.RefreshTimeout = duration("oauth.refresh_timeout", c.OAuth.RefreshTimeoutRaw, DefaultRefreshTimeout)
	partial := c.OAuth.ClientID != "" || c.OAuth.ClientSecret != "" || c.OAuth.RedirectURL != ""
	if partial && !c.OAuth.Enabled() {
		result = multierror.Append(result, errors.New("oauth requires client_id, client_secret and redirect_url together"))
	}

	if c.Session == nil {
		c.Session = &SessionBlock{}
	}
	if c.Session.Issuer == "" {
		c.Session.Issuer = DefaultSessionIssuer
	}
	c.Session.TTL = duration("session.ttl", c.Session.TTLRaw, DefaultSessionTTL)
	if c.OAuth.Enabled() && len(c.Session.SigningKey) < 32 {
		result = multierror.Append(result, errors.New("session.signing_key must be at least 32 bytes when oauth is enabled"))
	}

	if c.RateLimit == nil {
		c.RateLimit = &RateLimitBlock{}
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = DefaultRateLimit
	}
	if c.RateLimit.Limit < 0 {
		result = multierror.Append(result, errors.New("rate_limit.limit must be positive"))
	}
	c.RateLimit.Window = duration("rate_limit.window", c.RateLimit.WindowRaw, DefaultRateWindow)

	if c.Usage == nil {
		c.Usage = &UsageBlock{Sink: "storage"}
	}
	switch c.Usage.Sink {
	case "storage":
	case "file":
		if c.Usage.Path == "" {
			result = multierror.Append(result, errors.New(`usage "file" requires path`))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown usage sink %q", c.Usage.Sink))
	}
	if c.Usage.QueueSize <= 0 {
		c.Usage.QueueSize = DefaultQueueSize
	}
	if c.Usage.FallbackSize <= 0 {
		c.Usage.FallbackSize = DefaultFallbackSize
	}
	c.Usage.DrainInterval = duration("usage.drain_interval", c.Usage.DrainIntervalRaw, DefaultDrainInterval)

	if c.Reporting == nil {
		c.Reporting = &ReportingBlock{}
	}
	c.Reporting.Timeout = duration("reporting.timeout", c.Reporting.TimeoutRaw, DefaultReportTimeout)

	users := make(map[string]bool)
	for i := range c.APIKeys {
		k := &c.APIKeys[i]
		k.User = strings.ToLower(k.User)
		if users[k.User] {
			result = multierror.Append(result, fmt.Errorf("api_key %q declared twice", k.User))
		}
		users[k.User] = true
		if k.Key == "" {
			result = multierror.Append(result, fmt.Errorf("api_key %q has an empty key", k.User))
		}
		if k.Property == "" {
			k.Property = c.DefaultProperty
		}
	}

	return result.ErrorOrNil()
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for i := range c.Listeners {
		if c.Listeners[i].Name == name {
			return &c.Listeners[i], nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

// Package config loads authcored settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	ac "github.com/panyam/authcore"
)

// Config is everything authcored needs at startup. Secrets have no defaults.
type Config struct {
	AccessSecret    string `env:"AUTH_ACCESS_SECRET"`
	RefreshSecret   string `env:"AUTH_REFRESH_SECRET"`
	MagicLinkSecret string `env:"AUTH_MAGIC_LINK_SECRET"`
	Issuer          string `env:"AUTH_ISSUER"`

	AccessTTL     time.Duration `env:"AUTH_ACCESS_TTL"      envDefault:"15m"`
	RefreshTTL    time.Duration `env:"AUTH_REFRESH_TTL"     envDefault:"168h"`
	MagicLinkTTL  time.Duration `env:"AUTH_MAGIC_LINK_TTL"  envDefault:"10m"`
	OtpTTL        time.Duration `env:"AUTH_OTP_TTL"         envDefault:"10m"`
	ResetTTL      time.Duration `env:"AUTH_RESET_TTL"       envDefault:"10m"`
	RotateRefresh bool          `env:"AUTH_ROTATE_REFRESH"  envDefault:"false"`

	// fs, gorm or datastore
	AccountStore string `env:"AUTH_ACCOUNT_STORE" envDefault:"fs"`
	StoragePath  string `env:"AUTH_STORAGE_PATH"  envDefault:"./data"`
	// GORM sqlite DSN, e.g. "file:authcore.db"
	DatabaseDSN       string `env:"AUTH_DATABASE_DSN"       envDefault:"authcore.db"`
	DatastoreProject  string `env:"AUTH_DATASTORE_PROJECT"`
	DatastoreDatabase string `env:"AUTH_DATASTORE_DATABASE"`

	// memory or redis
	OtpStore      string `env:"AUTH_OTP_STORE"      envDefault:"memory"`
	RedisAddr     string `env:"AUTH_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"AUTH_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUTH_REDIS_DB"       envDefault:"0"`

	// console writes messages, secrets included, to the log and is refused
	// in production. webhook posts them as JSON to AUTH_NOTIFIER_URL.
	Notifier      string `env:"AUTH_NOTIFIER"       envDefault:"console"`
	NotifierURL   string `env:"AUTH_NOTIFIER_URL"`
	NotifierToken string `env:"AUTH_NOTIFIER_TOKEN"`

	ClientURL string `env:"AUTH_CLIENT_URL" envDefault:"http://localhost:5173"`
	PublicURL string `env:"AUTH_PUBLIC_URL" envDefault:"http://localhost:8080"`
	HTTPAddr  string `env:"AUTH_HTTP_ADDR"  envDefault:":8080"`
	GRPCAddr  string `env:"AUTH_GRPC_ADDR"  envDefault:":9090"`

	CookieDomain string `env:"AUTH_COOKIE_DOMAIN"`
	CookieSecure bool   `env:"AUTH_COOKIE_SECURE" envDefault:"false"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleCallbackURL  string `env:"GOOGLE_CALLBACK_URL"`
	GithubClientID     string `env:"GITHUB_CLIENT_ID"`
	GithubClientSecret string `env:"GITHUB_CLIENT_SECRET"`
	GithubCallbackURL  string `env:"GITHUB_CALLBACK_URL"`

	// Generic OIDC provider, e.g. a Keycloak realm
	OIDCName         string `env:"OIDC_PROVIDER_NAME" envDefault:"oidc"`
	OIDCIssuer       string `env:"OIDC_ISSUER_URL"`
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCCallbackURL  string `env:"OIDC_CALLBACK_URL"`

	SAMLMetadataURL string `env:"SAML_IDP_METADATA_URL"`
	SAMLCertFile    string `env:"SAML_SP_CERT_FILE"`
	SAMLKeyFile     string `env:"SAML_SP_KEY_FILE"`

	// Login attempts per minute per client IP, 0 disables limiting
	LoginRateLimit int `env:"AUTH_LOGIN_RATE_LIMIT" envDefault:"10"`

	LogLevel string `env:"AUTH_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that secrets are present, long and distinct, and that
// store names are known.
func (c Config) Validate() error {
	var errs []error
	secrets := map[string]string{
		"AUTH_ACCESS_SECRET":     c.AccessSecret,
		"AUTH_REFRESH_SECRET":    c.RefreshSecret,
		"AUTH_MAGIC_LINK_SECRET": c.MagicLinkSecret,
	}
	seen := map[string]string{}
	for _, name := range []string{"AUTH_ACCESS_SECRET", "AUTH_REFRESH_SECRET", "AUTH_MAGIC_LINK_SECRET"} {
		secret := secrets[name]
		if len(secret) < ac.MinSecretLength {
			errs = append(errs, fmt.Errorf("%s must be at least %d bytes", name, ac.MinSecretLength))
			continue
		}
		if other, dup := seen[secret]; dup {
			errs = append(errs, fmt.Errorf("%s must differ from %s", name, other))
		}
		seen[secret] = name
	}

	switch c.AccountStore {
	case "fs", "gorm", "datastore":
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_ACCOUNT_STORE %q", c.AccountStore))
	}
	if c.AccountStore == "datastore" && c.DatastoreProject == "" {
		errs = append(errs, errors.New("AUTH_DATASTORE_PROJECT is required for the datastore store"))
	}
	switch c.OtpStore {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_OTP_STORE %q", c.OtpStore))
	}
	switch c.Notifier {
	case "console":
		if c.Production() {
			errs = append(errs, errors.New("AUTH_NOTIFIER=console logs codes and links and is not allowed in production"))
		}
	case "webhook":
		if c.NotifierURL == "" {
			errs = append(errs, errors.New("AUTH_NOTIFIER_URL is required for the webhook notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_NOTIFIER %q", c.Notifier))
	}
	return errors.Join(errs...)
}

// TokenIssuer returns the settings for authcore.NewTokenIssuer
func (c Config) TokenIssuer() ac.TokenIssuerConfig {
	return ac.TokenIssuerConfig{
		AccessSecret:    c.AccessSecret,
		RefreshSecret:   c.RefreshSecret,
		MagicLinkSecret: c.MagicLinkSecret,
		Issuer:          c.Issuer,
		AccessTTL:       c.AccessTTL,
		RefreshTTL:      c.RefreshTTL,
		MagicLinkTTL:    c.MagicLinkTTL,
	}
}

// Production reports whether authcored serves real users: cookies are
// marked Secure and the console notifier is refused
func (c Config) Production() bool {
	return c.CookieSecure || strings.HasPrefix(c.PublicURL, "https://")
}

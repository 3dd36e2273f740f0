package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roam/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "ROAM"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "roam.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "roam_session"
	defaultIssuer       = "roam-auth"

	// StoreBackendSQLite keeps documents in a local SQLite file.
	StoreBackendSQLite = "sqlite"
	// StoreBackendFirestore talks to Cloud Firestore.
	StoreBackendFirestore = "firestore"

	defaultMutationTimeout  = 15 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	defaultRetryAttempts    = 5
	defaultRetryBaseDelay   = 500 * time.Millisecond
	defaultRetryMaxDelay    = 30 * time.Second
	defaultRadiusKm         = 5.0
	defaultTopN             = 3
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	StoreBackend             string
	DatabasePath             string
	FirestoreProjectID       string
	FirestoreCredentialsFile string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthCookieName    string

	MutationTimeout  time.Duration
	SubscribeTimeout time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	DefaultRadiusKm float64
	DefaultTopN     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", StoreBackendSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("sync.mutation_timeout", defaultMutationTimeout)
	configViper.SetDefault("sync.subscribe_timeout", defaultSubscribeTimeout)
	configViper.SetDefault("sync.retry_max_attempts", defaultRetryAttempts)
	configViper.SetDefault("sync.retry_base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("sync.retry_max_delay", defaultRetryMaxDelay)
	configViper.SetDefault("ranking.default_radius_km", defaultRadiusKm)
	configViper.SetDefault("ranking.default_top_n", defaultTopN)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		AllowedOrigins:           configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:                 configViper.GetString("log.level"),
		StoreBackend:             strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:             configViper.GetString("database.path"),
		FirestoreProjectID:       configViper.GetString("firestore.project_id"),
		FirestoreCredentialsFile: configViper.GetString("firestore.credentials_file"),
		AuthSigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthIssuer:               configViper.GetString("auth.issuer"),
		AuthAudience:             configViper.GetString("auth.audience"),
		AuthCookieName:           configViper.GetString("auth.cookie_name"),
		MutationTimeout:          configViper.GetDuration("sync.mutation_timeout"),
		SubscribeTimeout:         configViper.GetDuration("sync.subscribe_timeout"),
		RetryMaxAttempts:         configViper.GetInt("sync.retry_max_attempts"),
		RetryBaseDelay:           configViper.GetDuration("sync.retry_base_delay"),
		RetryMaxDelay:            configViper.GetDuration("sync.retry_max_delay"),
		DefaultRadiusKm:          configViper.GetFloat64("ranking.default_radius_km"),
		DefaultTopN:              configViper.GetInt("ranking.default_top_n"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.StoreBackend {
	case StoreBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case StoreBackendFirestore:
		if strings.TrimSpace(c.FirestoreProjectID) == "" {
			return fmt.Errorf("firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendSQLite, StoreBackendFirestore, c.StoreBackend)
	}
	if c.MutationTimeout <= 0 || c.SubscribeTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("sync.retry_max_attempts must not be negative")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("sync.retry_base_delay must be positive and not exceed sync.retry_max_delay")
	}
	if c.DefaultRadiusKm <= 0 {
		return fmt.Errorf("ranking.default_radius_km must be positive")
	}
	if c.DefaultTopN <= 0 {
		return fmt.Errorf("ranking.default_top_n must be positive")
	}
	return nil
}

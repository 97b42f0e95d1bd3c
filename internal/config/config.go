package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "TEAMSYNC"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "teamsync.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultRemoteTimeoutSeconds = 10
	defaultAuthIssuer           = "teamsync"
	defaultAuthAudience         = "teamsync-api"
	defaultSyncIntervalMinutes  = 15
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	LogFormat            string
	RemoteBaseURL        string
	RemoteToken          string
	RemoteTimeoutSeconds int
	AuthSigningSecret    string
	AuthIssuer           string
	AuthAudience         string
	SyncIntervalMinutes  int
	SyncSites            []int64
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeoutSeconds)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("sync.interval_minutes", defaultSyncIntervalMinutes)
	configViper.SetDefault("sync.sites", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	sites, err := parseSites(configViper.GetString("sync.sites"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		RemoteToken:          configViper.GetString("remote.token"),
		RemoteTimeoutSeconds: configViper.GetInt("remote.timeout_seconds"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthAudience:         configViper.GetString("auth.audience"),
		SyncIntervalMinutes:  configViper.GetInt("sync.interval_minutes"),
		SyncSites:            sites,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RemoteTimeout exposes the remote request timeout as a duration.
func (c AppConfig) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}

// SyncInterval exposes the background refresh cadence as a duration.
// A non-positive value disables the periodic refresh.
func (c AppConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.RemoteToken) == "" {
		return fmt.Errorf("remote.token is required")
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// parseSites accepts a comma or space separated list so the site roster can
// be supplied through a single environment variable.
func parseSites(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	sites := make([]int64, 0, len(fields))
	for _, field := range fields {
		site, err := strconv.ParseInt(field, 10, 64)
		if err != nil || site <= 0 {
			return nil, fmt.Errorf("sync.sites contains invalid site id %q", field)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

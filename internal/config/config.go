package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`
	HttpPort string `yaml:"httpPort"`
	DBPath   string `yaml:"dbPath"`   // used when DBDriver=sqlite
	DBDriver string `yaml:"dbDriver"` // sqlite|postgres|none
	DBDsn    string `yaml:"dbDsn"`    // used when DBDriver=postgres (e.g., DATABASE_URL)

	StoreBackend string     `yaml:"storeBackend"` // dataproxy|s3
	DataproxyURL string     `yaml:"dataproxyUrl"`
	TokenEnvVar  string     `yaml:"tokenEnvVar"`
	OIDC         OIDCConfig `yaml:"oidc"`

	// bcrypt hash of the token clients must present; empty disables the check
	AccessTokenHash string `yaml:"accessTokenHash"`

	DownloadDir        string        `yaml:"downloadDir"`
	SharedDriveRoot    string        `yaml:"sharedDriveRoot"`
	AccessPollInterval time.Duration `yaml:"accessPollInterval"`
	HTTPClientTimeout  time.Duration `yaml:"httpClientTimeout"` // 0 means no timeout

	S3 S3Config `yaml:"s3"`
}

// OIDCConfig enables the client-credentials token source when Issuer is set.
type OIDCConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	Scope        string `yaml:"scope"` // space-separated scopes
}

func (o OIDCConfig) Enabled() bool { return o.Issuer != "" && o.ClientID != "" }

func (o OIDCConfig) Scopes() []string { return strings.Fields(o.Scope) }

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	Type      string `yaml:"type"` // aws|minio|mcg|generic
	UseSSL    bool   `yaml:"useSSL"`
}

func defaults() *Config {
	return &Config{
		Env:                "dev",
		HttpPort:           "8080",
		DBPath:             "data/bucketbridge.db",
		DBDriver:           "sqlite",
		StoreBackend:       "dataproxy",
		DataproxyURL:       "https://data-proxy.ebrains.eu/api",
		TokenEnvVar:        "CLB_AUTH",
		DownloadDir:        ".",
		SharedDriveRoot:    "/mnt/user/shared",
		AccessPollInterval: 5 * time.Second,
		S3:                 S3Config{Type: "generic", UseSSL: true},
	}
}

// Load returns the defaults overridden by environment variables.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// variables on top. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.HttpPort = getEnv("HTTP_PORT", cfg.HttpPort)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DBDsn = getEnv("DATABASE_URL", getEnv("DB_DSN", cfg.DBDsn))

	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.DataproxyURL = getEnv("DATAPROXY_URL", cfg.DataproxyURL)
	cfg.TokenEnvVar = getEnv("TOKEN_ENV_VAR", cfg.TokenEnvVar)
	cfg.OIDC.Issuer = getEnv("OIDC_ISSUER", cfg.OIDC.Issuer)
	cfg.OIDC.ClientID = getEnv("OIDC_CLIENT_ID", cfg.OIDC.ClientID)
	cfg.OIDC.ClientSecret = getEnv("OIDC_CLIENT_SECRET", cfg.OIDC.ClientSecret)
	cfg.OIDC.Scope = getEnv("OIDC_SCOPE", cfg.OIDC.Scope)
	cfg.AccessTokenHash = getEnv("ACCESS_TOKEN_HASH", cfg.AccessTokenHash)

	cfg.DownloadDir = getEnv("DOWNLOAD_DIR", cfg.DownloadDir)
	cfg.SharedDriveRoot = getEnv("SHARED_DRIVE_ROOT", cfg.SharedDriveRoot)
	cfg.AccessPollInterval = getDuration("ACCESS_POLL_INTERVAL", cfg.AccessPollInterval)
	cfg.HTTPClientTimeout = getDuration("HTTP_CLIENT_TIMEOUT", cfg.HTTPClientTimeout)

	cfg.S3.Endpoint = getEnv("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = getEnv("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnv("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Region = getEnv("S3_REGION", cfg.S3.Region)
	cfg.S3.Type = getEnv("S3_TYPE", cfg.S3.Type)
	cfg.S3.UseSSL = getBool("S3_USE_SSL", cfg.S3.UseSSL)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getDuration accepts Go durations ("5s") or plain seconds ("5").
func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

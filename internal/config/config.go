package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	CAS      CASBootstrap   `yaml:"cas"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// AllowOrigins restricts CORS; empty allows any origin.
	AllowOrigins []string `yaml:"allow_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig backs the optional asynq queue for outbound user sync.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

const (
	UsernameMatchExact           = "exact"
	UsernameMatchCaseInsensitive = "case_insensitive"
)

type AuthConfig struct {
	TicketTimeout time.Duration `yaml:"ticket_timeout"`
	UsernameMatch string        `yaml:"username_match"` // exact, case_insensitive
	AdminPassword string        `yaml:"admin_password"`
}

const (
	SyncModeInline = "inline"
	SyncModeAsync  = "async"
)

type SyncConfig struct {
	Mode    string        `yaml:"mode"` // inline, async
	Lanes   int           `yaml:"lanes"`
	Timeout time.Duration `yaml:"timeout"`
}

// CASBootstrap seeds the cas_* system configs on first start. After that the
// database copy is authoritative and is edited through the admin API.
type CASBootstrap struct {
	Enabled        bool   `yaml:"enabled"`
	ServerURL      string `yaml:"server_url"`
	Organization   string `yaml:"organization"`
	Application    string `yaml:"application"`
	ServiceURL     string `yaml:"service_url"`
	DefaultRole    string `yaml:"default_role"`
	AutoCreateUser bool   `yaml:"auto_create_user"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	JWTPublicKey   string `yaml:"jwt_public_key"`
	SyncToCasdoor  bool   `yaml:"sync_to_casdoor"`
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	cfg.normalize()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "casbridge.db",
		},
		JWT: JWTConfig{
			Secret:     "casbridge-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Log: LogConfig{
			Level: "info",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Auth: AuthConfig{
			TicketTimeout: 10 * time.Second,
			UsernameMatch: UsernameMatchExact,
			AdminPassword: "admin",
		},
		Sync: SyncConfig{
			Mode:    SyncModeInline,
			Lanes:   8,
			Timeout: 10 * time.Second,
		},
		CAS: CASBootstrap{
			DefaultRole: "user",
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if mode := os.Getenv("SYNC_MODE"); mode != "" {
		c.Sync.Mode = mode
	}
	if match := os.Getenv("USERNAME_MATCH"); match != "" {
		c.Auth.UsernameMatch = match
	}
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		c.Auth.AdminPassword = pw
	}
	if serverURL := os.Getenv("CAS_SERVER_URL"); serverURL != "" {
		c.CAS.ServerURL = serverURL
	}
	if secret := os.Getenv("CAS_CLIENT_SECRET"); secret != "" {
		c.CAS.ClientSecret = secret
	}
	// Format: redis://:password@host:port/db
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.Auth.TicketTimeout <= 0 {
		c.Auth.TicketTimeout = defaults.Auth.TicketTimeout
	}
	if c.Auth.UsernameMatch != UsernameMatchCaseInsensitive {
		c.Auth.UsernameMatch = UsernameMatchExact
	}
	if c.Sync.Lanes <= 0 {
		c.Sync.Lanes = defaults.Sync.Lanes
	}
	if c.Sync.Timeout <= 0 {
		c.Sync.Timeout = defaults.Sync.Timeout
	}
	if c.Sync.Mode != SyncModeAsync {
		c.Sync.Mode = SyncModeInline
	}
	if c.JWT.ExpireHour <= 0 {
		c.JWT.ExpireHour = defaults.JWT.ExpireHour
	}
	c.CAS.ServerURL = strings.TrimRight(c.CAS.ServerURL, "/")
}

func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"workspaces/internal/parse"
)

// DefaultPath is where the CLI looks for its configuration when neither
// --config nor WORKSPACES_CONFIG is set.
const DefaultPath = "/etc/workspaces/workspaces.yaml"

// ErrPermissions is returned by Load when the file is readable by anyone but
// its owner.
var ErrPermissions = errors.New("config file permissions too liberal")

// Config represents the overall application configuration.
type Config struct {
	Database      DatabaseConfig        `yaml:"database"`
	LockPath      string                `yaml:"lock_path"`
	Admins        []string              `yaml:"admins"`
	DefaultPool   string                `yaml:"default_pool"`
	Pools         map[string]PoolConfig `yaml:"pools"`
	Notifications NotificationsConfig   `yaml:"notifications"`
	Server        ServerConfig          `yaml:"server"`
	Log           LogConfig             `yaml:"log"`
}

// PoolConfig describes one storage pool workspaces are carved from.
type PoolConfig struct {
	// Root is the ZFS dataset under which <owner>/<name> volumes are created.
	Root                string `yaml:"root"`
	MountRoot           string `yaml:"mount_root"`
	DefaultDurationDays int    `yaml:"default_duration_days"`
	MaxDurationDays     int    `yaml:"max_duration_days"`
	RetentionDays       int    `yaml:"retention_days"`
	Quota               string `yaml:"quota"`
	QuotaBytes          uint64 `yaml:"-"`
	Snapshot            bool   `yaml:"snapshot"`
	Disabled            bool   `yaml:"disabled"`
}

// NotificationsConfig holds the reminder schedule and delivery channels.
type NotificationsConfig struct {
	// ScheduleDays are day offsets before expiry at which a reminder is due.
	ScheduleDays []int            `yaml:"schedule_days"`
	WorkerPool   WorkerPoolConfig `yaml:"worker_pool"`
	SMTP         *SMTPConfig      `yaml:"smtp"`
	Push         *PushConfig      `yaml:"push"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// SMTPConfig describes the relay used for notification emails.
type SMTPConfig struct {
	Relay    string `yaml:"relay"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	// TLS is one of "starttls" (default), "wrapper" or "none".
	TLS string `yaml:"tls"`
	// Auth is one of "plain" (default) or "login".
	Auth string `yaml:"auth"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the serve-mode configuration.
type ServerConfig struct {
	Port                int     `yaml:"port"`
	RateLimitPerSec     float64 `yaml:"rate_limit_per_sec"`
	RateBurst           int     `yaml:"rate_burst"`
	CacheTTLSeconds     int     `yaml:"cache_ttl_seconds"`
	MaintenanceSchedule string  `yaml:"maintenance_schedule"`
}

// DatabaseConfig holds the metadata database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	// The file may carry SMTP credentials.
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o, should be 0600", ErrPermissions, path, info.Mode().Perm())
	}

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.DSN == "" {
		c.Database.DSN = "/usr/local/lib/workspaces/workspaces.db"
	}
	if c.LockPath == "" {
		c.LockPath = "/run/workspaces/maintain.lock"
	}
	if c.Notifications.WorkerPool.Size <= 0 {
		log.Printf("notifications.worker_pool.size is not set or invalid; defaulting to 1")
		c.Notifications.WorkerPool.Size = 1
	}
	if c.Notifications.Push != nil && c.Notifications.Push.TTL <= 0 {
		c.Notifications.Push.TTL = 3600
	}
	if c.Notifications.SMTP != nil && c.Notifications.SMTP.TLS == "" {
		c.Notifications.SMTP.TLS = "starttls"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 5
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 10
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
}

// Validate checks the configuration and fails closed on the first malformed
// entry. Load calls it after applying defaults.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("no pools configured")
	}
	for name, p := range c.Pools {
		if _, err := parse.Name(name); err != nil {
			return fmt.Errorf("pool %q: %w", name, err)
		}
		if p.Root == "" {
			return fmt.Errorf("pool %q: root is required", name)
		}
		if p.DefaultDurationDays <= 0 {
			return fmt.Errorf("pool %q: default_duration_days must be positive", name)
		}
		if p.MaxDurationDays <= 0 {
			return fmt.Errorf("pool %q: max_duration_days must be positive", name)
		}
		if p.DefaultDurationDays > p.MaxDurationDays {
			return fmt.Errorf("pool %q: default_duration_days (%d) exceeds max_duration_days (%d)", name, p.DefaultDurationDays, p.MaxDurationDays)
		}
		if p.RetentionDays < 0 {
			return fmt.Errorf("pool %q: retention_days must not be negative", name)
		}
		if p.Quota != "" {
			q, err := parse.Size(p.Quota)
			if err != nil {
				return fmt.Errorf("pool %q: quota: %w", name, err)
			}
			p.QuotaBytes = q
			c.Pools[name] = p
		}
	}
	if c.DefaultPool != "" {
		if _, ok := c.Pools[c.DefaultPool]; !ok {
			return fmt.Errorf("default_pool %q is not a configured pool", c.DefaultPool)
		}
	}

	seen := make(map[int]bool, len(c.Notifications.ScheduleDays))
	for _, d := range c.Notifications.ScheduleDays {
		if d <= 0 {
			return fmt.Errorf("notifications.schedule_days: offset %d must be positive", d)
		}
		if seen[d] {
			return fmt.Errorf("notifications.schedule_days: duplicate offset %d", d)
		}
		seen[d] = true
	}

	if s := c.Notifications.SMTP; s != nil {
		if s.Relay == "" {
			return fmt.Errorf("notifications.smtp.relay is required")
		}
		switch s.TLS {
		case "starttls", "wrapper", "none":
		default:
			return fmt.Errorf("notifications.smtp.tls must be one of starttls, wrapper, none; got %q", s.TLS)
		}
		switch s.Auth {
		case "", "plain", "login":
		default:
			return fmt.Errorf("notifications.smtp.auth must be plain or login; got %q", s.Auth)
		}
	}
	if p := c.Notifications.Push; p != nil {
		if p.PublicKey == "" || p.PrivateKey == "" {
			return fmt.Errorf("notifications.push requires vapid_public_key and vapid_private_key")
		}
	}

	if c.Server.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.MaintenanceSchedule); err != nil {
			return fmt.Errorf("server.maintenance_schedule %q: %w", c.Server.MaintenanceSchedule, err)
		}
	}
	return nil
}

// PoolNames returns the configured pool names in sorted order.
func (c *Config) PoolNames() []string {
	names := make([]string, 0, len(c.Pools))
	for name := range c.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

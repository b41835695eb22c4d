package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Presence PresenceConfig `mapstructure:"presence"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Feed     FeedConfig     `mapstructure:"feed"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RealtimeConfig struct {
	MaxConnsPerUser int           `mapstructure:"max_conns_per_user"`
	MaxConnsTotal   int           `mapstructure:"max_conns_total"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	IdleSweepEvery  time.Duration `mapstructure:"idle_sweep_every"`
	TouchSyncEvery  time.Duration `mapstructure:"touch_sync_every"`
}

type PresenceConfig struct {
	StatusThrottle time.Duration `mapstructure:"status_throttle"`
	ReconcileEvery time.Duration `mapstructure:"reconcile_every"`
	MaxActivityLen int           `mapstructure:"max_activity_len"`
}

type NotifyConfig struct {
	UserThrottle time.Duration `mapstructure:"user_throttle"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
	QueueCap     int           `mapstructure:"queue_cap"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchPause   time.Duration `mapstructure:"batch_pause"`
}

type FeedConfig struct {
	ActorThrottle time.Duration `mapstructure:"actor_throttle"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchPause    time.Duration `mapstructure:"batch_pause"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	PruneEvery    time.Duration `mapstructure:"prune_every"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/tomonet.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("realtime.max_conns_per_user", 5)
	v.SetDefault("realtime.max_conns_total", 1000)
	v.SetDefault("realtime.idle_timeout", "5m")
	v.SetDefault("realtime.idle_sweep_every", "1m")
	v.SetDefault("realtime.touch_sync_every", "30s")
	v.SetDefault("presence.status_throttle", "5s")
	v.SetDefault("presence.reconcile_every", "60s")
	v.SetDefault("presence.max_activity_len", 100)
	v.SetDefault("notify.user_throttle", "1s")
	v.SetDefault("notify.ack_timeout", "5s")
	v.SetDefault("notify.dedup_window", "5m")
	v.SetDefault("notify.queue_cap", 100)
	v.SetDefault("notify.batch_size", 50)
	v.SetDefault("notify.batch_pause", "50ms")
	v.SetDefault("feed.actor_throttle", "2s")
	v.SetDefault("feed.batch_size", 25)
	v.SetDefault("feed.batch_pause", "20ms")
	v.SetDefault("feed.max_age", "168h")
	v.SetDefault("feed.prune_every", "1h")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

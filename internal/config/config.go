package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/simple-scp.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"console"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Persistence backend for history and host inventory: sqlite, redis or memory.
	StoreBackend  string `envconfig:"STORE_BACKEND" default:"sqlite"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"simple-scp:"`

	// Host inventory seed file (YAML) and optional known_hosts for host key checks.
	HostsFile      string `envconfig:"HOSTS_FILE" default:""`
	KnownHostsFile string `envconfig:"KNOWN_HOSTS_FILE" default:""`

	// Connection pool settings
	MaxPoolSize     int           `envconfig:"MAX_POOL_SIZE" default:"5"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"2m"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	ConnectRate     time.Duration `envconfig:"CONNECT_RATE" default:"6s"`
	ConnectBurst    int           `envconfig:"CONNECT_BURST" default:"5"`

	// Transfer history settings
	MaxHistorySize int `envconfig:"MAX_HISTORY_SIZE" default:"100"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SIMPLESCP", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

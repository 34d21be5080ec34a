package config

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

type Config struct {
	App      App
	Server   Server
	Watch    Watch
	Upload   Upload
	Retry    Retry
	Metadata Metadata
	Webhook  Webhook
	Queue    *RabbitMQ
	Storage  Storage
	DB       *sql.DB
	Redis    *redis.Client
	// LedgerPath is where pipeline progress is durably recorded.
	LedgerPath string
}

type App struct {
	Environment string `yaml:"environment"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type Watch struct {
	Root            string        `yaml:"root"`
	Extensions      []string      `yaml:"extensions"`
	StabilityWindow time.Duration `yaml:"stability_window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RescanInterval  time.Duration `yaml:"rescan_interval"`
}

type Upload struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Timeout           time.Duration `yaml:"timeout"`
	DeleteAfterUpload bool          `yaml:"delete_after_upload"`
}

type Retry struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Metadata struct {
	Backend     string        `yaml:"backend"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Webhook struct {
	URL         string        `yaml:"url"`
	Secret      string        `yaml:"secret"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Storage struct {
	Client        *minio.Client
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	ACL           string `yaml:"acl"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type RabbitMQ struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Pass         string `json:"pass"`
	ExchangeName string `json:"exchange_name"`
	Kind         string `json:"kind"`
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("watch.extensions", []string{".flv"})
	viper.SetDefault("watch.stability_window_seconds", 30)
	viper.SetDefault("watch.sweep_interval_seconds", 5)
	viper.SetDefault("watch.rescan_interval_seconds", 300)
	viper.SetDefault("upload.concurrency", 4)
	viper.SetDefault("upload.max_attempts", 5)
	viper.SetDefault("upload.timeout_seconds", 600)
	viper.SetDefault("retry.initial_interval_ms", 500)
	viper.SetDefault("retry.max_interval_seconds", 30)
	viper.SetDefault("metadata.max_attempts", 5)
	viper.SetDefault("metadata.timeout_seconds", 10)
	viper.SetDefault("webhook.max_attempts", 5)
	viper.SetDefault("webhook.timeout_seconds", 10)
	viper.SetDefault("storage.acl", "private")
	viper.SetDefault("ledger_path", "ledger.json")
	viper.SetDefault("server.port", "8080")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	minioClient, err := minio.New(viper.GetString("storage.endpoint"), &minio.Options{
		Creds:  credentials.NewStaticV4(viper.GetString("storage.access_id"), viper.GetString("storage.secret_access_key"), ""),
		Secure: viper.GetBool("storage.secure"),
		Region: viper.GetString("storage.region"),
	})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: App{
			Environment: viper.GetString("app.environment"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
		},
		Watch: Watch{
			Root:            viper.GetString("watch.root"),
			Extensions:      viper.GetStringSlice("watch.extensions"),
			StabilityWindow: time.Duration(viper.GetInt("watch.stability_window_seconds")) * time.Second,
			SweepInterval:   time.Duration(viper.GetInt("watch.sweep_interval_seconds")) * time.Second,
			RescanInterval:  time.Duration(viper.GetInt("watch.rescan_interval_seconds")) * time.Second,
		},
		Upload: Upload{
			Concurrency:       viper.GetInt("upload.concurrency"),
			MaxAttempts:       viper.GetInt("upload.max_attempts"),
			Timeout:           time.Duration(viper.GetInt("upload.timeout_seconds")) * time.Second,
			DeleteAfterUpload: viper.GetBool("upload.delete_after_upload"),
		},
		Retry: Retry{
			InitialInterval: time.Duration(viper.GetInt("retry.initial_interval_ms")) * time.Millisecond,
			MaxInterval:     time.Duration(viper.GetInt("retry.max_interval_seconds")) * time.Second,
		},
		Metadata: Metadata{
			Backend:     viper.GetString("metadata.backend"),
			MaxAttempts: viper.GetInt("metadata.max_attempts"),
			Timeout:     time.Duration(viper.GetInt("metadata.timeout_seconds")) * time.Second,
		},
		Webhook: Webhook{
			URL:         viper.GetString("webhook.url"),
			Secret:      viper.GetString("webhook.secret"),
			MaxAttempts: viper.GetInt("webhook.max_attempts"),
			Timeout:     time.Duration(viper.GetInt("webhook.timeout_seconds")) * time.Second,
		},
		Storage: Storage{
			Client:        minioClient,
			Endpoint:      viper.GetString("storage.endpoint"),
			Bucket:        viper.GetString("storage.bucket"),
			Region:        viper.GetString("storage.region"),
			ACL:           viper.GetString("storage.acl"),
			PublicBaseURL: viper.GetString("storage.public_base_url"),
		},
		LedgerPath: viper.GetString("ledger_path"),
	}

	if cfg.Metadata.Backend == "postgres" {
		db, err := sql.Open("postgres", viper.GetString("postgresql_host"))
		if err != nil {
			return nil, err
		}
		cfg.DB = db
	}

	if cfg.Metadata.Backend == "redis" {
		cfg.Redis = redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
	}

	if viper.GetBool("rabbitmq.enabled") {
		cfg.Queue = &RabbitMQ{
			Host:         viper.GetString("rabbitmq.host"),
			Port:         viper.GetInt("rabbitmq.port"),
			User:         viper.GetString("rabbitmq.user"),
			Pass:         viper.GetString("rabbitmq.pass"),
			ExchangeName: viper.GetString("rabbitmq.exchange_name"),
			Kind:         viper.GetString("rabbitmq.kind"),
		}
	}

	return cfg, nil
}

package config

import (
	"log"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	OutgoingWebhooks string `mapstructure:"outgoing-webhooks"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type Connector struct {
	TimeoutMs      int `mapstructure:"timeout-ms"`
	TokenTimeoutMs int `mapstructure:"token-timeout-ms"`
}

type Routing struct {
	MaxAttempts int `mapstructure:"max-attempts"`
}

type Webhook struct {
	LockTTLMs int `mapstructure:"lock-ttl-ms"`
}

type Delivery struct {
	Parallelism         int `mapstructure:"parallelism"`
	PollingIntervalMs   int `mapstructure:"polling-interval-ms"`
	FetchSize           int `mapstructure:"fetch-size"`
	RescheduleDelayMs   int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts  int `mapstructure:"max-publish-attempts"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
	TimeoutMs           int `mapstructure:"timeout-ms"`
}

type Syncer struct {
	PollingIntervalMs int `mapstructure:"polling-interval-ms"`
	FetchSize         int `mapstructure:"fetch-size"`
	RetryDelayMs      int `mapstructure:"retry-delay-ms"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database  Database  `mapstructure:"database"`
	Redis     Redis     `mapstructure:"redis"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Connector Connector `mapstructure:"connector"`
	Routing   Routing   `mapstructure:"routing"`
	Webhook   Webhook   `mapstructure:"webhook"`
	Delivery  Delivery  `mapstructure:"delivery"`
	Syncer    Syncer    `mapstructure:"syncer"`
	Server    Server    `mapstructure:"server"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Logs      Logs      `mapstructure:"logs"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}

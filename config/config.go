package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Loadboard LoadboardConfig `yaml:"loadboard"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ShipmentStatusTopicName string `yaml:"shipment_status_topic_name"`
	ChatMessagesTopicName   string `yaml:"chat_messages_topic_name"`
	RequestExpiredTopicName string `yaml:"request_expired_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoadboardConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CurrentShipmentTTLSeconds int `yaml:"current_shipment_ttl_seconds"`

	// Per-actor sliding-window limits. Zero disables the limit.
	RequestsPerMinutePerDriver int `yaml:"requests_per_minute_per_driver"`
	MessagesPerMinutePerSender int `yaml:"messages_per_minute_per_sender"`

	// Sweeper settings. pending_request_ttl_seconds = 0 (default) disables
	// expiry entirely: pending requests then live until withdrawn or the
	// shipment is cancelled.
	SweeperHTTPAddr                 string `yaml:"sweeper_http_addr"`
	SweeperPollIntervalSeconds      int    `yaml:"sweeper_poll_interval_seconds"`
	SweeperBatchSize                int    `yaml:"sweeper_batch_size"`
	SweeperPendingRequestTTLSeconds int    `yaml:"sweeper_pending_request_ttl_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

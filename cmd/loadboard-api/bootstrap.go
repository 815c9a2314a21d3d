package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loadhub/loadboard/config"
	"github.com/loadhub/loadboard/internal/broker/kafka"
	"github.com/loadhub/loadboard/internal/cache/rediscache"
	"github.com/loadhub/loadboard/internal/services/chat"
	"github.com/loadhub/loadboard/internal/services/matching"
	"github.com/loadhub/loadboard/internal/services/shipments"
	"github.com/loadhub/loadboard/internal/services/trackinglog"
	"github.com/loadhub/loadboard/internal/storage/pgloadboard"
)

type loadboardAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   loadboardAPIOpts

	shipmentsSvc *shipments.Service
	matchingSvc  *matching.Service
	trackingSvc  *trackinglog.Service
	chatSvc      *chat.Service

	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapLoadboardAPI() *loadboardAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.Loadboard.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Loadboard.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "loadboard-api"
	}
	statusTopic := cfg.Kafka.ShipmentStatusTopicName
	if statusTopic == "" {
		statusTopic = "shipment.status_changed"
	}
	chatTopic := cfg.Kafka.ChatMessagesTopicName
	if chatTopic == "" {
		chatTopic = "chat.message_created"
	}

	cacheTTL := time.Duration(cfg.Loadboard.CurrentShipmentTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	requestsPerMinute := int64(cfg.Loadboard.RequestsPerMinutePerDriver)
	if requestsPerMinute <= 0 {
		requestsPerMinute = 30
	}
	messagesPerMinute := int64(cfg.Loadboard.MessagesPerMinutePerSender)
	if messagesPerMinute <= 0 {
		messagesPerMinute = 60
	}

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, chatTopic, consumerGroup)

	shipmentsSvc := shipments.New(st, rc, cacheTTL, producer, statusTopic)
	matchingSvc := matching.New(st, rc, rl, requestsPerMinute, producer, statusTopic)
	trackingSvc := trackinglog.New(st)
	chatSvc := chat.New(st, chat.NewHub(), rl, messagesPerMinute, producer, chatTopic)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &loadboardAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: loadboardAPIOpts{
			httpAddr:      httpAddr,
			chatTopic:     chatTopic,
			consumerGroup: consumerGroup,
		},
		shipmentsSvc: shipmentsSvc,
		matchingSvc:  matchingSvc,
		trackingSvc:  trackingSvc,
		chatSvc:      chatSvc,
		consumer:     consumer,
		closeDB:      st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgloadboard.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgloadboard.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *loadboardAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *loadboardAPIApp) Run() error {
	return runLoadboardAPI(a.ctx, a.opts, a.shipmentsSvc, a.matchingSvc, a.trackingSvc, a.chatSvc, a.consumer)
}

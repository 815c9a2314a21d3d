package main

import (
	"context"
	"fmt"
	"time"

	"github.com/loadhub/loadboard/config"
	"github.com/loadhub/loadboard/internal/broker/kafka"
	"github.com/loadhub/loadboard/internal/services/sweeper"
	"github.com/loadhub/loadboard/internal/storage/pgloadboard"
)

type sweeperFactories struct {
	newStorage  func(cfg *config.Config) (repo sweeper.Repository, closeFn func(), err error)
	newProducer func(cfg *config.Config) sweeper.Producer
}

func defaultSweeperFactories() sweeperFactories {
	return sweeperFactories{
		newStorage: func(cfg *config.Config) (sweeper.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgloadboard.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) sweeper.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
	}
}

func RunLoadboardSweeper(ctx context.Context, cfg *config.Config, f sweeperFactories) error {
	topic := cfg.Kafka.RequestExpiredTopicName
	if topic == "" {
		topic = "request.expired"
	}

	pendingTTL := time.Duration(cfg.Loadboard.SweeperPendingRequestTTLSeconds) * time.Second
	pollInterval := time.Duration(cfg.Loadboard.SweeperPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	batchSize := cfg.Loadboard.SweeperBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)

	sw := sweeper.New(repo, producer, topic, pendingTTL).
		WithSettings(pollInterval, batchSize)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runSweeperHTTPServer(ctx, sweeperHTTPOpts{
			httpAddr: cfg.Loadboard.SweeperHTTPAddr,
			sweeper:  sw,
			cfg:      cfg,
		})
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- sw.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-runErr:
		return err
	case err := <-httpErr:
		return err
	}
}

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loadhub/loadboard/internal/api/loadboard_api"
	"github.com/loadhub/loadboard/internal/services/chat"
)

type loadboardAPIOpts struct {
	httpAddr string

	chatTopic     string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runLoadboardAPI(
	ctx context.Context,
	opts loadboardAPIOpts,
	shipmentsSvc loadboard_api.ShipmentsService,
	matchingSvc loadboard_api.MatchingService,
	trackingSvc loadboard_api.TrackingService,
	chatSvc *chat.Service,
	consumer kafkaConsumer,
) error {
	api := loadboard_api.New(shipmentsSvc, matchingSvc, trackingSvc, chatSvc)

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	// Чужие реплики публикуют новые сообщения в Kafka; вливаем их в локальный
	// hub, чтобы SSE-подписчики этой реплики тоже их увидели.
	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.chatTopic, "group", opts.consumerGroup)
			_ = consumer.Consume(ctx, func(_key, value []byte) error {
				return chatSvc.ApplyBrokerMessage(value)
			})
		}()
	}

	srv := &http.Server{Handler: api.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}

package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/broker/messages"
	"github.com/loadhub/loadboard/internal/models"
)

type Repository interface {
	ClaimExpiredRequests(ctx context.Context, cutoff time.Time, limit int) ([]*models.Request, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Sweeper resolves pending requests older than the configured TTL to
// expired. A TTL of zero disables it entirely: the core's default is that a
// pending request lives until the driver withdraws it or the vendor cancels.
type Sweeper struct {
	repo     Repository
	producer Producer
	topic    string

	pendingTTL   time.Duration
	pollInterval time.Duration
	batchSize    int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalExpired        atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, producer Producer, topic string, pendingTTL time.Duration) *Sweeper {
	return &Sweeper{
		repo:              repo,
		producer:          producer,
		topic:             topic,
		pendingTTL:        pendingTTL,
		pollInterval:      30 * time.Second,
		batchSize:         100,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(pollInterval time.Duration, batchSize int) *Sweeper {
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	return s
}

// Trigger forces an immediate sweep cycle (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalExpired  int64      `json:"totalExpired"`
	TotalErrors   int64      `json:"totalErrors"`
	Enabled       bool       `json:"enabled"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalExpired: s.totalExpired.Load(),
		TotalErrors:  s.totalErrors.Load(),
		Enabled:      s.pendingTTL > 0,
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	if s.pendingTTL <= 0 {
		slog.Info("sweeper disabled: pending request TTL is zero")
		<-ctx.Done()
		return ctx.Err()
	}

	t := time.NewTicker(s.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())

	// Выбираем пачками, пока есть просроченные: один цикл может закрыть
	// больше batchSize заявок.
	for {
		expired, err := s.repo.ClaimExpiredRequests(ctx, now.Add(-s.pendingTTL), s.batchSize)
		if err != nil {
			s.totalErrors.Add(1)
			s.setLastError(err)
			slog.Error("claim expired requests", "error", err.Error())
			return
		}
		if len(expired) == 0 {
			return
		}
		s.totalExpired.Add(int64(len(expired)))

		for _, req := range expired {
			if err := s.publishExpired(ctx, req, now); err != nil {
				s.totalErrors.Add(1)
				s.setLastError(err)
				slog.Error("publish request expired", "request_id", req.ID, "error", err.Error())
			}
		}

		if len(expired) < s.batchSize {
			return
		}
	}
}

func (s *Sweeper) publishExpired(ctx context.Context, req *models.Request, at time.Time) error {
	if s.producer == nil || s.topic == "" {
		return nil
	}
	b, err := json.Marshal(messages.RequestExpired{
		RequestID:   req.ID,
		ShipmentID:  req.ShipmentID,
		DriverID:    req.DriverID,
		RequestedAt: req.RequestedAt,
		ExpiredAt:   at,
	})
	if err != nil {
		return errors.Wrap(err, "marshal expired event")
	}
	return s.producer.Publish(ctx, s.topic, []byte(fmt.Sprintf("%d", req.ShipmentID)), b)
}

func (s *Sweeper) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

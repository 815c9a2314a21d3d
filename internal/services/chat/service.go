package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/broker/messages"
	"github.com/loadhub/loadboard/internal/models"
)

type Repository interface {
	EnsureThread(ctx context.Context, key models.ThreadKey) (*models.ChatThread, error)
	GetThread(ctx context.Context, key models.ThreadKey) (*models.ChatThread, error)
	AppendMessage(ctx context.Context, in models.ChatMessageInput) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, threadID uint64, afterID uint64, limit int) ([]*models.ChatMessage, error)
	GetMessageByID(ctx context.Context, id uint64) (*models.ChatMessage, error)
	SoftDeleteMessage(ctx context.Context, messageID uint64, requesterID string) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Service owns the two-party conversation attached to a shipment: send,
// read, sender-only soft delete, and live subscriptions with a gapless join.
type Service struct {
	repo Repository
	hub  *Hub

	rl                RateLimiter
	messagesPerMinute int64

	producer Producer
	topic    string
}

func New(repo Repository, hub *Hub, rl RateLimiter, messagesPerMinute int64, producer Producer, topic string) *Service {
	if hub == nil {
		hub = NewHub()
	}
	return &Service{
		repo: repo, hub: hub,
		rl: rl, messagesPerMinute: messagesPerMinute,
		producer: producer, topic: topic,
	}
}

func (s *Service) Hub() *Hub {
	return s.hub
}

func validateKey(key models.ThreadKey) error {
	if key.ShipmentID == 0 {
		return errors.Wrap(models.ErrNotFound, "shipmentId is required")
	}
	if key.VendorID == "" || key.DriverID == "" {
		return errors.Wrap(models.ErrValidation, "vendorId and driverId are required")
	}
	return nil
}

// Send appends a message to the thread, creating the thread on first use.
// A blank body fails with ErrEmptyBody before any side effect.
func (s *Service) Send(ctx context.Context, in models.ChatMessageInput) (*models.ChatMessage, error) {
	if err := validateKey(in.Key); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, errors.Wrap(models.ErrEmptyBody, "send message")
	}
	if !in.SenderRole.IsValid() {
		return nil, errors.Wrapf(models.ErrValidation, "unknown sender role %q", in.SenderRole)
	}
	// Отправитель обязан быть стороной треда.
	switch in.SenderRole {
	case models.SenderRoleVendor:
		if in.SenderID != in.Key.VendorID {
			return nil, errors.Wrap(models.ErrNotAuthorized, "sender is not the thread vendor")
		}
	case models.SenderRoleDriver:
		if in.SenderID != in.Key.DriverID {
			return nil, errors.Wrap(models.ErrNotAuthorized, "sender is not the thread driver")
		}
	}

	if s.rl != nil && s.messagesPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:messages:%s:%s", in.SenderID, time.Now().UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, minuteKey, s.messagesPerMinute, 70*time.Second)
		if err == nil && !allowed {
			return nil, errors.Wrapf(models.ErrRateLimited, "sender %s sent %d messages this minute", in.SenderID, n)
		}
	}

	msg, err := s.repo.AppendMessage(ctx, in)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(in.Key, msg)
	s.publish(ctx, in.Key, msg)
	return msg, nil
}

// Messages reads the visible ordered backlog. A thread that does not exist
// yet reads as empty: it will be created lazily by the first send.
func (s *Service) Messages(ctx context.Context, key models.ThreadKey, afterID uint64, limit int) ([]*models.ChatMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	thread, err := s.repo.GetThread(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return []*models.ChatMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, thread.ID, afterID, limit)
}

// Delete soft-deletes; only the original sender may. Content stays in the
// store for audit.
func (s *Service) Delete(ctx context.Context, messageID uint64, requesterID string) error {
	if messageID == 0 {
		return errors.Wrap(models.ErrNotFound, "messageId is required")
	}
	if requesterID == "" {
		return errors.Wrap(models.ErrNotAuthorized, "requesterId is required")
	}
	return s.repo.SoftDeleteMessage(ctx, messageID, requesterID)
}

// Audit fetches one message regardless of its deleted flag.
func (s *Service) Audit(ctx context.Context, messageID uint64) (*models.ChatMessage, error) {
	return s.repo.GetMessageByID(ctx, messageID)
}

// Subscription is a live message feed: the full backlog first, then live
// events, with no gap and no duplicate at the join boundary.
type Subscription struct {
	C <-chan *models.ChatMessage

	hub  *Hub
	key  models.ThreadKey
	sub  *subscriber
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unregister(s.key, s.sub)
	})
}

// Subscribe attaches a live reader. The hub registration happens before the
// backlog read, so events arriving during the read buffer up instead of
// slipping through; message ids are monotone per thread, so any buffered
// event at or below the last backlog id is a duplicate and is dropped.
func (s *Service) Subscribe(ctx context.Context, key models.ThreadKey, buffer int) (*Subscription, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	sub := s.hub.register(key, buffer)

	var backlog []*models.ChatMessage
	thread, err := s.repo.GetThread(ctx, key)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.hub.unregister(key, sub)
		return nil, err
	}
	if err == nil {
		// Бэклог читаем страницами до короткой: подписчик обязан получить
		// всю историю, сколько бы её ни накопилось.
		const pageSize = 500
		var afterID uint64
		for {
			page, err := s.repo.ListMessages(ctx, thread.ID, afterID, pageSize)
			if err != nil {
				s.hub.unregister(key, sub)
				return nil, err
			}
			backlog = append(backlog, page...)
			if len(page) < pageSize {
				break
			}
			afterID = page[len(page)-1].ID
		}
	}

	out := make(chan *models.ChatMessage, len(backlog)+cap(sub.ch))
	subscription := &Subscription{C: out, hub: s.hub, key: key, sub: sub}

	go func() {
		defer close(out)

		var lastID uint64
		for _, m := range backlog {
			select {
			case out <- m:
				lastID = m.ID
			case <-ctx.Done():
				subscription.Close()
				return
			}
		}
		for {
			select {
			case m, ok := <-sub.ch:
				if !ok {
					return
				}
				if m.ID <= lastID {
					continue
				}
				select {
				case out <- m:
					lastID = m.ID
				case <-ctx.Done():
					subscription.Close()
					return
				}
			case <-ctx.Done():
				subscription.Close()
				return
			}
		}
	}()

	return subscription, nil
}

// ApplyBrokerMessage replays a chat.message_created event from another API
// replica into the local hub.
func (s *Service) ApplyBrokerMessage(value []byte) error {
	var ev messages.ChatMessageCreated
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, "unmarshal chat event")
	}
	if ev.MessageID == 0 || ev.ThreadID == 0 {
		return errors.New("chat event missing ids")
	}

	key := models.ThreadKey{ShipmentID: ev.ShipmentID, VendorID: ev.VendorID, DriverID: ev.DriverID}
	s.hub.Broadcast(key, &models.ChatMessage{
		ID:            ev.MessageID,
		ThreadID:      ev.ThreadID,
		SenderID:      ev.SenderID,
		SenderRole:    models.SenderRole(ev.SenderRole),
		Body:          ev.Body,
		AttachmentURL: ev.AttachmentURL,
		SentAt:        ev.SentAt,
	})
	return nil
}

func (s *Service) publish(ctx context.Context, key models.ThreadKey, msg *models.ChatMessage) {
	if s.producer == nil || s.topic == "" {
		return
	}
	b, err := json.Marshal(messages.ChatMessageCreated{
		MessageID:     msg.ID,
		ThreadID:      msg.ThreadID,
		ShipmentID:    key.ShipmentID,
		VendorID:      key.VendorID,
		DriverID:      key.DriverID,
		SenderID:      msg.SenderID,
		SenderRole:    string(msg.SenderRole),
		Body:          msg.Body,
		AttachmentURL: msg.AttachmentURL,
		SentAt:        msg.SentAt,
	})
	if err != nil {
		return
	}
	_ = s.producer.Publish(ctx, s.topic, []byte(fmt.Sprintf("%d", msg.ThreadID)), b)
}

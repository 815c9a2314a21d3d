package pgloadboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/loadhub/loadboard/internal/models"
)

const messageCols = ` id, thread_id, sender_id, sender_role, body, attachment_url, sent_at, deleted, deleted_at`

func scanMessage(row pgx.Row) (*models.ChatMessage, error) {
	var m models.ChatMessage
	var deletedAt *time.Time
	if err := row.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.SenderRole, &m.Body,
		&m.AttachmentURL, &m.SentAt, &m.Deleted, &deletedAt); err != nil {
		return nil, err
	}
	m.DeletedAt = deletedAt
	return &m, nil
}

// EnsureThread lazily creates the thread for the triple. Уникальный индекс по
// тройке гарантирует: у груза не бывает двух тредов с одним водителем.
func (s *Storage) EnsureThread(ctx context.Context, key models.ThreadKey) (*models.ChatThread, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO chat_threads (shipment_id, vendor_id, driver_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (shipment_id, vendor_id, driver_id)
DO UPDATE SET shipment_id = chat_threads.shipment_id
RETURNING id, shipment_id, vendor_id, driver_id, created_at
`, key.ShipmentID, key.VendorID, key.DriverID, time.Now().UTC())

	var t models.ChatThread
	if err := row.Scan(&t.ID, &t.ShipmentID, &t.VendorID, &t.DriverID, &t.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "ensure thread")
	}
	return &t, nil
}

func (s *Storage) GetThread(ctx context.Context, key models.ThreadKey) (*models.ChatThread, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, shipment_id, vendor_id, driver_id, created_at
FROM chat_threads
WHERE shipment_id = $1 AND vendor_id = $2 AND driver_id = $3
`, key.ShipmentID, key.VendorID, key.DriverID)

	var t models.ChatThread
	err := row.Scan(&t.ID, &t.ShipmentID, &t.VendorID, &t.DriverID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "thread for shipment %d", key.ShipmentID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select thread")
	}
	return &t, nil
}

// AppendMessage resolves the thread (creating it if absent) and appends the
// message with a server-assigned timestamp, in one transaction. The serial id
// is the tie-break for identical timestamps.
func (s *Storage) AppendMessage(ctx context.Context, in models.ChatMessageInput) (*models.ChatMessage, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var threadID uint64
	err = tx.QueryRow(ctx, `
INSERT INTO chat_threads (shipment_id, vendor_id, driver_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (shipment_id, vendor_id, driver_id)
DO UPDATE SET shipment_id = chat_threads.shipment_id
RETURNING id
`, in.Key.ShipmentID, in.Key.VendorID, in.Key.DriverID, now).Scan(&threadID)
	if err != nil {
		return nil, errors.Wrap(err, "ensure thread")
	}

	msg, err := scanMessage(tx.QueryRow(ctx, `
INSERT INTO chat_messages (thread_id, sender_id, sender_role, body, attachment_url, sent_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING`+messageCols,
		threadID, in.SenderID, in.SenderRole, in.Body, in.AttachmentURL, now))
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return msg, nil
}

// ListMessages returns the visible ordered message list: soft-deleted rows
// are excluded. afterID resumes past the last seen message.
func (s *Storage) ListMessages(ctx context.Context, threadID uint64, afterID uint64, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
SELECT`+messageCols+`
FROM chat_messages
WHERE thread_id = $1 AND id > $2 AND deleted = FALSE
ORDER BY sent_at ASC, id ASC
LIMIT $3
`, threadID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// GetMessageByID fetches a single message including soft-deleted ones. Аудит:
// содержимое сохраняется, удаление прячет его только от читателей.
func (s *Storage) GetMessageByID(ctx context.Context, id uint64) (*models.ChatMessage, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, `SELECT`+messageCols+` FROM chat_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select message")
	}
	return msg, nil
}

// SoftDeleteMessage hides a message from readers. Only the original sender may
// delete; deleting an already-deleted own message is a no-op.
func (s *Storage) SoftDeleteMessage(ctx context.Context, messageID uint64, requesterID string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE chat_messages SET deleted = TRUE, deleted_at = $3
WHERE id = $1 AND sender_id = $2 AND deleted = FALSE
`, messageID, requesterID, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "soft delete message")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, err := s.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if cur.SenderID != requesterID {
		return errors.Wrapf(models.ErrNotAuthorized, "message %d belongs to another sender", messageID)
	}
	// Already deleted by its sender: idempotent.
	return nil
}

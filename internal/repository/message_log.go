package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/chatblast/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type MessageLogRepository struct {
	db *sqlx.DB
}

func NewMessageLogRepository(db *sqlx.DB) *MessageLogRepository {
	return &MessageLogRepository{db: db}
}

const messageLogColumns = `id, message_id, campaign_id, lead_id, instance_id, phone, message_type, content,
	status, sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

// Create stores a dispatched message together with its first history entry
func (r *MessageLogRepository) Create(ctx context.Context, m *models.MessageLog) error {
	m.ID = uuid.New().String()
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt
	if m.Status == "" {
		m.Status = models.LeadSent
	}
	if m.SentAt == nil && m.Status == models.LeadSent {
		ts := m.CreatedAt
		m.SentAt = &ts
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO message_logs (id, message_id, campaign_id, lead_id, instance_id, phone, message_type, content,
			status, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.MessageID, m.CampaignID, m.LeadID, m.InstanceID, m.Phone, m.MessageType, m.Content,
		string(m.Status), m.SentAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create message log: %w", err)
	}

	entry := models.StatusEntry{Status: m.Status, Timestamp: m.CreatedAt}
	if err := appendHistory(ctx, tx, m.MessageID, entry); err != nil {
		return err
	}
	m.StatusHistory = []models.StatusEntry{entry}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message log: %w", err)
	}
	return nil
}

// GetByMessageID returns a message log with its full status history, nil if not found
func (r *MessageLogRepository) GetByMessageID(ctx context.Context, messageID string) (*models.MessageLog, error) {
	m, err := scanMessageLog(r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+messageLogColumns+` FROM message_logs WHERE message_id = ?`), messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message log: %w", err)
	}

	m.StatusHistory, err = r.History(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListByLead returns every message dispatched to a lead, oldest first
func (r *MessageLogRepository) ListByLead(ctx context.Context, leadID string) ([]models.MessageLog, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+messageLogColumns+` FROM message_logs WHERE lead_id = ? ORDER BY created_at, id`), leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message logs: %w", err)
	}
	defer rows.Close()

	var logs []models.MessageLog
	for rows.Next() {
		m, err := scanMessageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *m)
	}
	return logs, rows.Err()
}

// CountByCampaign returns the number of messages dispatched for a campaign
func (r *MessageLogRepository) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM message_logs WHERE campaign_id = ?`), campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count message logs: %w", err)
	}
	return n, nil
}

// AppendHistory adds an entry to the status history of a message
func (r *MessageLogRepository) AppendHistory(ctx context.Context, messageID string, entry models.StatusEntry) error {
	return appendHistory(ctx, r.db, messageID, entry)
}

// History returns the status history of a message in append order
func (r *MessageLogRepository) History(ctx context.Context, messageID string) ([]models.StatusEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT status, raw_status, recorded_at FROM message_status_history
		WHERE message_id = ? ORDER BY seq, recorded_at`), messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}
	defer rows.Close()

	var history []models.StatusEntry
	for rows.Next() {
		var e models.StatusEntry
		var status string
		if err := rows.Scan(&status, &e.Raw, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = models.LeadStatus(status)
		history = append(history, e)
	}
	return history, rows.Err()
}

// ApplyStatus moves a message log to `to` when its current status is one of
// `from`, writing the terminal timestamp only once.
func (r *MessageLogRepository) ApplyStatus(ctx context.Context, messageID string, to models.LeadStatus, ts time.Time, from []models.LeadStatus) (bool, error) {
	col, ok := timestampColumn(to)
	if !ok {
		return false, fmt.Errorf("status %s has no timestamp", to)
	}
	if len(from) == 0 {
		return false, nil
	}

	query, args, err := sqlx.In(`UPDATE message_logs SET status = ?, `+col+` = COALESCE(`+col+`, ?), updated_at = ?
		WHERE message_id = ? AND status IN (?)`, string(to), ts.UTC(), now(), messageID, statusStrings(from))
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply message status: %w", err)
	}
	return affected(res)
}

func appendHistory(ctx context.Context, ex sqlx.ExtContext, messageID string, e models.StatusEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = now()
	}
	_, err := ex.ExecContext(ctx, ex.Rebind(`
		INSERT INTO message_status_history (id, message_id, status, raw_status, recorded_at, seq)
		SELECT ?, ?, ?, ?, ?, COALESCE(MAX(seq), 0) + 1
		FROM message_status_history WHERE message_id = ?`),
		uuid.New().String(), messageID, string(e.Status), e.Raw, ts.UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

func scanMessageLog(row scanner) (*models.MessageLog, error) {
	var (
		m           models.MessageLog
		status      string
		sentAt      sql.NullTime
		deliveredAt sql.NullTime
		readAt      sql.NullTime
		failedAt    sql.NullTime
	)
	err := row.Scan(&m.ID, &m.MessageID, &m.CampaignID, &m.LeadID, &m.InstanceID, &m.Phone, &m.MessageType, &m.Content,
		&status, &sentAt, &deliveredAt, &readAt, &failedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = models.LeadStatus(status)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ReadAt = timePtr(readAt)
	m.FailedAt = timePtr(failedAt)
	return &m, nil
}

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

type LeadRepository struct {
	db *sqlx.DB
}

func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

const leadColumns = `id, campaign_id, phone, name, position, status, message_id, media_message_id, failure_reason,
	processing_at, sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

// Import appends leads to a campaign, keeping their order after any existing ones
func (r *LeadRepository) Import(ctx context.Context, campaignID string, leads []models.LeadImport) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COALESCE(MAX(position), 0) FROM leads WHERE campaign_id = ?`), campaignID).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read lead position: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO leads (id, campaign_id, phone, name, position, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare lead insert: %w", err)
	}
	defer stmt.Close()

	ts := now()
	for i, l := range leads {
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), campaignID, l.Phone, l.Name,
			last+i+1, string(models.LeadPending), ts, ts); err != nil {
			return 0, fmt.Errorf("failed to insert lead: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit leads: %w", err)
	}
	return len(leads), nil
}

// GetByID returns a lead by ID, nil if not found
func (r *LeadRepository) GetByID(ctx context.Context, id string) (*models.Lead, error) {
	return r.getOne(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
}

// GetByMessageID returns the lead whose last dispatched message has the given id
func (r *LeadRepository) GetByMessageID(ctx context.Context, messageID string) (*models.Lead, error) {
	return r.getOne(ctx, `SELECT `+leadColumns+` FROM leads WHERE message_id = ?`, messageID)
}

// NextPending returns the first PENDING lead in import order
func (r *LeadRepository) NextPending(ctx context.Context, campaignID string) (*models.Lead, error) {
	return r.getOne(ctx, `SELECT `+leadColumns+` FROM leads
		WHERE campaign_id = ? AND status = ?
		ORDER BY position LIMIT 1`, campaignID, string(models.LeadPending))
}

func (r *LeadRepository) getOne(ctx context.Context, query string, args ...any) (*models.Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx, r.db.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return l, nil
}

// ListByStatuses returns the campaign's leads in any of the given statuses
func (r *LeadRepository) ListByStatuses(ctx context.Context, campaignID string, statuses ...models.LeadStatus) ([]models.Lead, error) {
	query, args, err := sqlx.In(`SELECT `+leadColumns+` FROM leads
		WHERE campaign_id = ? AND status IN (?)
		ORDER BY position`, campaignID, statusStrings(statuses))
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

// Count returns the number of leads in a campaign
func (r *LeadRepository) Count(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM leads WHERE campaign_id = ?`), campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count leads: %w", err)
	}
	return n, nil
}

// ResetAll puts every lead of the campaign back to PENDING with no delivery data
func (r *LeadRepository) ResetAll(ctx context.Context, campaignID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, message_id = NULL, media_message_id = NULL, failure_reason = NULL,
			processing_at = NULL, sent_at = NULL, delivered_at = NULL, read_at = NULL, failed_at = NULL,
			updated_at = ?
		WHERE campaign_id = ?`), string(models.LeadPending), now(), campaignID)
	if err != nil {
		return fmt.Errorf("failed to reset leads: %w", err)
	}
	return nil
}

// Reset puts a single lead back to PENDING with no delivery data
func (r *LeadRepository) Reset(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, message_id = NULL, media_message_id = NULL, failure_reason = NULL,
			processing_at = NULL, sent_at = NULL, delivered_at = NULL, read_at = NULL, failed_at = NULL,
			updated_at = ?
		WHERE id = ?`), string(models.LeadPending), now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to reset lead: %w", err)
	}
	return affected(res)
}

// Requeue puts a lead back to PENDING for a resumed run. A media part that
// was already delivered stays recorded so it is not sent again.
func (r *LeadRepository) Requeue(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, message_id = NULL, failure_reason = NULL,
			processing_at = NULL, sent_at = NULL, delivered_at = NULL, read_at = NULL, failed_at = NULL,
			updated_at = ?
		WHERE id = ?`), string(models.LeadPending), now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue lead: %w", err)
	}
	return affected(res)
}

// MarkProcessing claims a PENDING lead; false means another writer got it first
func (r *LeadRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, processing_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.LeadProcessing), ts, ts, id, string(models.LeadPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark lead processing: %w", err)
	}
	return affected(res)
}

// RevertToPending returns a PROCESSING lead to PENDING
func (r *LeadRepository) RevertToPending(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, processing_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.LeadPending), now(), id, string(models.LeadProcessing))
	if err != nil {
		return fmt.Errorf("failed to revert lead: %w", err)
	}
	return nil
}

// RevertProcessing returns every PROCESSING lead of a campaign to PENDING
func (r *LeadRepository) RevertProcessing(ctx context.Context, campaignID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, processing_at = NULL, updated_at = ?
		WHERE campaign_id = ? AND status = ?`),
		string(models.LeadPending), now(), campaignID, string(models.LeadProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to revert processing leads: %w", err)
	}
	return res.RowsAffected()
}

// RevertStale returns PROCESSING leads claimed before `before` to PENDING
func (r *LeadRepository) RevertStale(ctx context.Context, campaignID string, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, processing_at = NULL, updated_at = ?
		WHERE campaign_id = ? AND status = ? AND processing_at < ?`),
		string(models.LeadPending), now(), campaignID, string(models.LeadProcessing), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revert stale leads: %w", err)
	}
	return res.RowsAffected()
}

// MarkMediaSent records the media part of an in-flight send
func (r *LeadRepository) MarkMediaSent(ctx context.Context, id, messageID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET media_message_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		messageID, now(), id, string(models.LeadProcessing))
	if err != nil {
		return fmt.Errorf("failed to record media message: %w", err)
	}
	return nil
}

// MarkSent records a successful dispatch
func (r *LeadRepository) MarkSent(ctx context.Context, id, messageID string) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, message_id = ?, sent_at = ?, failure_reason = NULL, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.LeadSent), messageID, ts, ts, id, string(models.LeadProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark lead sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed dispatch with its reason
func (r *LeadRepository) MarkFailed(ctx context.Context, id, reason string) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE leads SET status = ?, failure_reason = ?, failed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.LeadFailed), reason, ts, ts, id, string(models.LeadProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark lead failed: %w", err)
	}
	return nil
}

// ApplyStatus moves a lead to `to` when its current status is one of `from`.
// The terminal timestamp for `to` is only written if it is still NULL.
func (r *LeadRepository) ApplyStatus(ctx context.Context, id string, to models.LeadStatus, ts time.Time, from []models.LeadStatus) (bool, error) {
	col, ok := timestampColumn(to)
	if !ok {
		return false, fmt.Errorf("status %s has no timestamp", to)
	}
	if len(from) == 0 {
		return false, nil
	}

	query, args, err := sqlx.In(`UPDATE leads SET status = ?, `+col+` = COALESCE(`+col+`, ?), updated_at = ?
		WHERE id = ? AND status IN (?)`, string(to), ts.UTC(), now(), id, statusStrings(from))
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply lead status: %w", err)
	}
	return affected(res)
}

// ApplyFailure moves a lead to FAILED with a reason when its current status
// is one of `from`
func (r *LeadRepository) ApplyFailure(ctx context.Context, id, reason string, ts time.Time, from []models.LeadStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	query, args, err := sqlx.In(`UPDATE leads SET status = ?, failure_reason = ?, failed_at = COALESCE(failed_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?)`, string(models.LeadFailed), reason, ts.UTC(), now(), id, statusStrings(from))
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply lead failure: %w", err)
	}
	return affected(res)
}

// timestampColumn maps a terminal status to the column recording it
func timestampColumn(s models.LeadStatus) (string, bool) {
	switch s {
	case models.LeadSent:
		return "sent_at", true
	case models.LeadDelivered:
		return "delivered_at", true
	case models.LeadRead:
		return "read_at", true
	case models.LeadFailed:
		return "failed_at", true
	}
	return "", false
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanLead(row scanner) (*models.Lead, error) {
	var (
		l             models.Lead
		status        string
		messageID     sql.NullString
		mediaID       sql.NullString
		failureReason sql.NullString
		processingAt  sql.NullTime
		sentAt        sql.NullTime
		deliveredAt   sql.NullTime
		readAt        sql.NullTime
		failedAt      sql.NullTime
	)
	err := row.Scan(&l.ID, &l.CampaignID, &l.Phone, &l.Name, &l.Position, &status, &messageID, &mediaID, &failureReason,
		&processingAt, &sentAt, &deliveredAt, &readAt, &failedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = models.LeadStatus(status)
	l.MessageID = messageID.String
	l.MediaMessageID = mediaID.String
	l.FailureReason = failureReason.String
	l.ProcessingAt = timePtr(processingAt)
	l.SentAt = timePtr(sentAt)
	l.DeliveredAt = timePtr(deliveredAt)
	l.ReadAt = timePtr(readAt)
	l.FailedAt = timePtr(failedAt)
	return &l, nil
}

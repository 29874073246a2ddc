package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/chatblast/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BindingRepository stores campaign_instances, the rotation pool of a campaign
type BindingRepository struct {
	db *sqlx.DB
}

func NewBindingRepository(db *sqlx.DB) *BindingRepository {
	return &BindingRepository{db: db}
}

// ListByCampaign returns all bindings of a campaign in priority order
func (r *BindingRepository) ListByCampaign(ctx context.Context, campaignID string) ([]models.CampaignInstance, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT ci.id, ci.campaign_id, ci.instance_id, i.name, ci.priority, ci.messages_sent,
			ci.max_messages, ci.last_used_at, ci.is_active, ci.created_at
		FROM campaign_instances ci JOIN instances i ON i.id = ci.instance_id
		WHERE ci.campaign_id = ?
		ORDER BY ci.priority, ci.id`), campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign instances: %w", err)
	}
	defer rows.Close()

	var bindings []models.CampaignInstance
	for rows.Next() {
		var b models.CampaignInstance
		var maxMessages sql.NullInt64
		var lastUsed sql.NullTime
		if err := rows.Scan(&b.ID, &b.CampaignID, &b.InstanceID, &b.InstanceName, &b.Priority, &b.MessagesSent,
			&maxMessages, &lastUsed, &b.IsActive, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.MaxMessages = intPtr(maxMessages)
		b.LastUsedAt = timePtr(lastUsed)
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// Replace makes the campaign pool exactly instanceIDs, in that priority order.
// Existing bindings keep their usage counters.
func (r *BindingRepository) Replace(ctx context.Context, campaignID string, instanceIDs []string, maxMessages *int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(instanceIDs) == 0 {
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM campaign_instances WHERE campaign_id = ?`), campaignID)
	} else {
		var query string
		var args []any
		query, args, err = sqlx.In(`DELETE FROM campaign_instances WHERE campaign_id = ? AND instance_id NOT IN (?)`,
			campaignID, instanceIDs)
		if err == nil {
			_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to remove campaign instances: %w", err)
	}

	ts := now()
	for priority, instanceID := range instanceIDs {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE campaign_instances SET priority = ?, max_messages = ?
			WHERE campaign_id = ? AND instance_id = ?`),
			priority, nullInt(maxMessages), campaignID, instanceID)
		if err != nil {
			return fmt.Errorf("failed to update campaign instance: %w", err)
		}
		if ok, err := affected(res); err != nil {
			return err
		} else if ok {
			continue
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO campaign_instances (id, campaign_id, instance_id, priority, messages_sent, max_messages, is_active, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)`),
			uuid.New().String(), campaignID, instanceID, priority, nullInt(maxMessages), true, ts)
		if err != nil {
			return fmt.Errorf("failed to add campaign instance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign instances: %w", err)
	}
	return nil
}

// Remove drops one instance from the campaign pool
func (r *BindingRepository) Remove(ctx context.Context, campaignID, instanceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM campaign_instances WHERE campaign_id = ? AND instance_id = ?`), campaignID, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to remove campaign instance: %w", err)
	}
	return affected(res)
}

// Toggle flips is_active and returns the new value
func (r *BindingRepository) Toggle(ctx context.Context, campaignID, instanceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_instances SET is_active = NOT is_active
		WHERE campaign_id = ? AND instance_id = ?`), campaignID, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to toggle campaign instance: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return false, err
	} else if !ok {
		return false, ErrNotFound
	}

	var active bool
	err = r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT is_active FROM campaign_instances WHERE campaign_id = ? AND instance_id = ?`),
		campaignID, instanceID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to read campaign instance: %w", err)
	}
	return active, nil
}

// ResetCounters zeroes usage of every binding in the campaign
func (r *BindingRepository) ResetCounters(ctx context.Context, campaignID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_instances SET messages_sent = 0, last_used_at = NULL WHERE campaign_id = ?`), campaignID)
	if err != nil {
		return fmt.Errorf("failed to reset campaign instance counters: %w", err)
	}
	return nil
}

// Claim increments usage of a binding if it is still active and under its cap.
// The check and the increment are one statement, so concurrent claimers can
// never push messages_sent past max_messages.
func (r *BindingRepository) Claim(ctx context.Context, bindingID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaign_instances SET messages_sent = messages_sent + 1, last_used_at = ?
		WHERE id = ? AND is_active = ? AND (max_messages IS NULL OR messages_sent < max_messages)`),
		at.UTC(), bindingID, true)
	if err != nil {
		return false, fmt.Errorf("failed to claim campaign instance: %w", err)
	}
	return affected(res)
}

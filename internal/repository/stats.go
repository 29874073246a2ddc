package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxzi/chatblast/internal/models"
	"github.com/jmoiron/sqlx"
)

type StatsRepository struct {
	db *sqlx.DB
}

func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Recompute derives the campaign counters from its leads in a single
// upsert and returns the stored row.
func (r *StatsRepository) Recompute(ctx context.Context, campaignID string) (*models.CampaignStats, error) {
	count := func(statuses ...models.LeadStatus) string {
		expr := "COALESCE(SUM(CASE WHEN status IN ("
		for i, s := range statuses {
			if i > 0 {
				expr += ", "
			}
			expr += "'" + string(s) + "'"
		}
		return expr + ") THEN 1 ELSE 0 END), 0)"
	}

	query := `
		INSERT INTO campaign_stats (campaign_id, total_leads, pending_count, processing_count, sent_count,
			delivered_count, read_count, failed_count, updated_at)
		SELECT ?, COUNT(*), ` +
		count(models.LeadPending) + `, ` +
		count(models.LeadProcessing) + `, ` +
		count(models.LeadSent, models.LeadDelivered, models.LeadRead) + `, ` +
		count(models.LeadDelivered, models.LeadRead) + `, ` +
		count(models.LeadRead) + `, ` +
		count(models.LeadFailed) + `, ?
		FROM leads WHERE campaign_id = ?
		ON CONFLICT (campaign_id) DO UPDATE SET
			total_leads = excluded.total_leads,
			pending_count = excluded.pending_count,
			processing_count = excluded.processing_count,
			sent_count = excluded.sent_count,
			delivered_count = excluded.delivered_count,
			read_count = excluded.read_count,
			failed_count = excluded.failed_count,
			updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), campaignID, now(), campaignID); err != nil {
		return nil, fmt.Errorf("failed to recompute campaign stats: %w", err)
	}

	stats, err := r.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, fmt.Errorf("campaign stats missing after recompute")
	}
	return stats, nil
}

// Get returns the stored counters, nil if never computed
func (r *StatsRepository) Get(ctx context.Context, campaignID string) (*models.CampaignStats, error) {
	s := &models.CampaignStats{}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT campaign_id, total_leads, pending_count, processing_count, sent_count,
			delivered_count, read_count, failed_count, updated_at
		FROM campaign_stats WHERE campaign_id = ?`), campaignID,
	).Scan(&s.CampaignID, &s.TotalLeads, &s.PendingCount, &s.ProcessingCount, &s.SentCount,
		&s.DeliveredCount, &s.ReadCount, &s.FailedCount, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign stats: %w", err)
	}
	return s, nil
}

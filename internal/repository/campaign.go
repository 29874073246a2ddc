package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxzi/chatblast/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type CampaignRepository struct {
	db *sqlx.DB
}

func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `c.id, c.user_id, c.name, c.message, c.media_url, c.media_type,
	c.min_delay, c.max_delay, c.use_rotation, c.rotation_strategy, c.max_messages_per_instance,
	c.instance_id, COALESCE(i.name, ''), c.status, c.progress, c.run_id, c.started_at, c.completed_at,
	c.created_at, c.updated_at`

// Create creates a new campaign in draft status
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	if c.RotationStrategy == "" {
		c.RotationStrategy = models.StrategyRandom
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO campaigns (id, user_id, name, message, media_url, media_type, min_delay, max_delay,
			use_rotation, rotation_strategy, max_messages_per_instance, instance_id, status, progress,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		c.ID, c.UserID, c.Name, c.Message, c.MediaURL, c.MediaType, c.MinDelay, c.MaxDelay,
		c.UseRotation, string(c.RotationStrategy), nullInt(c.MaxMessagesPerInstance), nullString(c.InstanceID),
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, nil if it does not exist
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+campaignColumns+`
		FROM campaigns c LEFT JOIN instances i ON i.id = c.instance_id
		WHERE c.id = ?`), id)

	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// ListByStatus returns campaigns in the given status
func (r *CampaignRepository) ListByStatus(ctx context.Context, status models.CampaignStatus) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+campaignColumns+`
		FROM campaigns c LEFT JOIN instances i ON i.id = c.instance_id
		WHERE c.status = ?
		ORDER BY c.created_at`), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// TransitionStatus moves a campaign to status `to` only if its current
// status is one of `from`. Returns false when no row matched.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, to models.CampaignStatus, from ...models.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source status given")
	}

	query, args, err := sqlx.In(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
		string(to), now(), id, statusStrings(from))
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	return affected(res)
}

// Claim activates a campaign for the run runID when its current status is
// one of `from`. Only the owner of the stored run id may complete or park it.
func (r *CampaignRepository) Claim(ctx context.Context, id, runID string, from ...models.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("no source status given")
	}

	query, args, err := sqlx.In(`UPDATE campaigns SET status = ?, run_id = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
		string(models.CampaignActive), runID, now(), id, statusStrings(from))
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to claim campaign: %w", err)
	}
	return affected(res)
}

// EndRun moves an active campaign owned by runID to status `to`
func (r *CampaignRepository) EndRun(ctx context.Context, id, runID string, to models.CampaignStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND run_id = ?`),
		string(to), now(), id, string(models.CampaignActive), runID)
	if err != nil {
		return false, fmt.Errorf("failed to end campaign run: %w", err)
	}
	return affected(res)
}

// BeginRun marks the start of a fresh run: progress back to 0, started_at set
func (r *CampaignRepository) BeginRun(ctx context.Context, id string) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET progress = 0, started_at = ?, completed_at = NULL, updated_at = ?
		WHERE id = ?`), ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to begin campaign run: %w", err)
	}
	return nil
}

// UpdateProgress raises progress; a lower value never overwrites a higher one
func (r *CampaignRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET progress = CASE WHEN progress < ? THEN ? ELSE progress END, updated_at = ?
		WHERE id = ?`), progress, progress, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign progress: %w", err)
	}
	return nil
}

// SetProgress overwrites progress, used when a resumed run recomputes it
func (r *CampaignRepository) SetProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET progress = ?, updated_at = ? WHERE id = ?`), progress, now(), id)
	if err != nil {
		return fmt.Errorf("failed to set campaign progress: %w", err)
	}
	return nil
}

// Complete moves an active campaign owned by runID to completed with progress 100
func (r *CampaignRepository) Complete(ctx context.Context, id, runID string) (bool, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, progress = 100, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND run_id = ?`),
		string(models.CampaignCompleted), ts, ts, id, string(models.CampaignActive), runID)
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	return affected(res)
}

// UpdateRotation stores the rotation settings of a campaign
func (r *CampaignRepository) UpdateRotation(ctx context.Context, id string, cfg models.RotationConfig) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET use_rotation = ?, rotation_strategy = ?, max_messages_per_instance = ?, updated_at = ?
		WHERE id = ?`),
		cfg.UseRotation, string(cfg.Strategy), nullInt(cfg.MaxMessagesPerInstance), now(), id)
	if err != nil {
		return fmt.Errorf("failed to update rotation settings: %w", err)
	}
	return nil
}

func scanCampaign(row scanner) (*models.Campaign, error) {
	var (
		c           models.Campaign
		strategy    string
		status      string
		maxPer      sql.NullInt64
		instanceID  sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Message, &c.MediaURL, &c.MediaType,
		&c.MinDelay, &c.MaxDelay, &c.UseRotation, &strategy, &maxPer,
		&instanceID, &c.InstanceName, &status, &c.Progress, &c.RunID, &startedAt, &completedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.RotationStrategy = models.RotationStrategy(strategy)
	c.Status = models.CampaignStatus(status)
	c.MaxMessagesPerInstance = intPtr(maxPer)
	c.InstanceID = instanceID.String
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

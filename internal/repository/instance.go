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

type InstanceRepository struct {
	db *sqlx.DB
}

func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create registers a gateway instance
func (r *InstanceRepository) Create(ctx context.Context, inst *models.Instance) error {
	inst.ID = uuid.New().String()
	inst.CreatedAt = now()
	inst.UpdatedAt = inst.CreatedAt

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO instances (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		inst.ID, inst.Name, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetByID returns an instance by ID, nil if not found
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	inst := &models.Instance{}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, name, created_at, updated_at FROM instances WHERE id = ?`), id,
	).Scan(&inst.ID, &inst.Name, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// List returns all instances ordered by name
func (r *InstanceRepository) List(ctx context.Context) ([]models.Instance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at, updated_at FROM instances ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []models.Instance
	for rows.Next() {
		var inst models.Instance
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// Delete removes an instance and its campaign bindings
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM instances WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

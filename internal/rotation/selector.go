package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/foxzi/chatblast/internal/connectivity"
	"github.com/foxzi/chatblast/internal/models"
)

// Store is the subset of the binding repository used by the selector
type Store interface {
	ListByCampaign(ctx context.Context, campaignID string) ([]models.CampaignInstance, error)
	Claim(ctx context.Context, bindingID string, at time.Time) (bool, error)
}

// Selector chooses the next binding of a campaign pool
type Selector struct {
	store        Store
	connectivity connectivity.Source
	logger       *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewSelector creates a new rotation selector
func NewSelector(store Store, source connectivity.Source, logger *slog.Logger) *Selector {
	return &Selector{
		store:        store,
		connectivity: source,
		logger:       logger.With("component", "rotation"),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}
}

// SelectNext picks a binding for the next message of the campaign and
// increments its usage in the store. It returns nil, nil when no binding is
// eligible; callers treat that as backpressure.
func (s *Selector) SelectNext(ctx context.Context, campaignID string, strategy models.RotationStrategy) (*models.CampaignInstance, error) {
	bindings, err := s.Bindings(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	eligible := Eligible(bindings)

	for len(eligible) > 0 {
		s.mu.Lock()
		i := Pick(strategy, eligible, s.rng)
		s.mu.Unlock()

		chosen := eligible[i]
		at := s.now()
		ok, err := s.store.Claim(ctx, chosen.ID, at)
		if err != nil {
			return nil, err
		}
		if ok {
			chosen.MessagesSent++
			chosen.LastUsedAt = &at
			return &chosen, nil
		}

		// Lost the cap to a concurrent run or the binding was toggled off
		s.logger.Debug("binding claim lost, retrying selection",
			"campaign_id", campaignID,
			"instance_id", chosen.InstanceID)
		eligible = append(eligible[:i], eligible[i+1:]...)
	}

	return nil, nil
}

// Available returns the bindings that are connected and active, ignoring caps
func (s *Selector) Available(ctx context.Context, campaignID string) ([]models.CampaignInstance, error) {
	bindings, err := s.Bindings(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var out []models.CampaignInstance
	for _, b := range bindings {
		if b.Connected && b.IsActive {
			out = append(out, b)
		}
	}
	return out, nil
}

// Bindings loads the campaign pool with live connectivity filled in
func (s *Selector) Bindings(ctx context.Context, campaignID string) ([]models.CampaignInstance, error) {
	bindings, err := s.store.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign instances: %w", err)
	}

	for i := range bindings {
		if !bindings[i].IsActive {
			continue
		}
		connected, err := s.connectivity.IsConnected(ctx, bindings[i].InstanceName)
		if err != nil {
			// An unreachable state lookup makes the instance ineligible for now
			s.logger.Warn("failed to get instance connection state",
				"instance", bindings[i].InstanceName,
				"error", err)
			continue
		}
		bindings[i].Connected = connected
	}
	return bindings, nil
}

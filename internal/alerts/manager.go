package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
	"sensorwatch/internal/storage"
)

// Store is the subset of storage.Store the lifecycle manager writes through.
type Store interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus) (*models.Alert, error)
	ActiveAlerts(ctx context.Context, channel string) ([]*models.Alert, error)
	CountAlerts(ctx context.Context, status models.AlertStatus) (int, error)
}

// Outcome reports what a reading did to its channel's alert state. Both
// fields are nil for a no-op.
type Outcome struct {
	Created *models.Alert
	Cleared *models.Alert
}

// Changed reports whether the active alert count moved.
func (o Outcome) Changed() bool {
	return o.Created != nil || o.Cleared != nil
}

// Manager owns alert status transitions. Evaluation and mutation for one
// channel run under that channel's lock, so at most one alert per channel is
// ever Active.
type Manager struct {
	store Store
	rules Evaluator
	locks *keyedLocker
	now   func() time.Time
}

// NewManager creates a lifecycle manager. now defaults to time.Now.
func NewManager(store Store, rules Evaluator, now func() time.Time) *Manager {
	if rules == nil {
		rules = DefaultRules()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store: store,
		rules: rules,
		locks: newKeyedLocker(),
		now:   now,
	}
}

// Process evaluates r against its channel rule and creates or clears the
// channel's alert. Readings in the dead zone between clear and trigger bounds
// leave state unchanged.
func (m *Manager) Process(ctx context.Context, r models.Reading) (Outcome, error) {
	if !m.rules.Has(r.Channel) {
		return Outcome{}, nil
	}

	unlock := m.locks.Lock(r.Channel)
	defer unlock()

	current, err := m.currentActive(ctx, r.Channel)
	if err != nil {
		return Outcome{}, err
	}

	triggering, condition := m.rules.EvaluateTrigger(r.Channel, r.Value)

	if current == nil {
		if !triggering {
			return Outcome{}, nil
		}
		return m.create(ctx, r, condition)
	}

	if triggering || !m.rules.EvaluateClear(r.Channel, r.Value) {
		return Outcome{}, nil
	}
	return m.clear(ctx, current)
}

// Acknowledge moves an Active alert to Acknowledged. Alerts already in a
// terminal status are returned unchanged. storage.ErrNotFound is returned
// when id does not exist.
func (m *Manager) Acknowledge(ctx context.Context, id string) (*models.Alert, error) {
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AlertActive {
		return a, nil
	}

	unlock := m.locks.Lock(a.Channel)
	defer unlock()

	updated, err := m.store.UpdateAlertStatus(ctx, id, models.AlertActive, models.AlertAcknowledged)
	if errors.Is(err, storage.ErrStatusConflict) {
		// cleared or acknowledged since the first read
		return m.store.GetAlert(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert %s: %w", id, err)
	}

	metrics.AlertsAcknowledgedTotal.WithLabelValues(updated.Channel).Inc()
	logger.WithChannel("alerts", updated.Channel).Info().
		Str("alert_id", updated.ID).
		Msg("alert acknowledged")

	return updated, nil
}

// ActiveCount returns the number of Active alerts across all channels.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	n, err := m.store.CountAlerts(ctx, models.AlertActive)
	if err != nil {
		return 0, fmt.Errorf("count active alerts: %w", err)
	}
	return n, nil
}

// currentActive returns the newest Active alert of channel, or nil.
func (m *Manager) currentActive(ctx context.Context, channel string) (*models.Alert, error) {
	active, err := m.store.ActiveAlerts(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("lookup active alert for %s: %w", channel, err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	newest := active[0]
	for _, a := range active[1:] {
		if a.Timestamp.After(newest.Timestamp) {
			newest = a
		}
	}

	if len(active) > 1 {
		metrics.AlertInvariantViolations.WithLabelValues(channel).Inc()
		logger.WithChannel("alerts", channel).Warn().
			Int("active_alerts", len(active)).
			Str("selected_alert_id", newest.ID).
			Msg("multiple active alerts for channel, using most recent")
	}
	return newest, nil
}

func (m *Manager) create(ctx context.Context, r models.Reading, condition string) (Outcome, error) {
	a := &models.Alert{
		ID:        uuid.NewString(),
		Channel:   r.Channel,
		Condition: condition,
		Value:     r.Value,
		Timestamp: m.now().UTC(),
		Status:    models.AlertActive,
	}

	if err := m.store.CreateAlert(ctx, a); err != nil {
		if errors.Is(err, storage.ErrDuplicateActive) {
			// another writer raised it first
			return Outcome{}, nil
		}
		return Outcome{}, fmt.Errorf("create alert for %s: %w", r.Channel, err)
	}

	metrics.AlertsCreatedTotal.WithLabelValues(r.Channel).Inc()
	logger.WithChannel("alerts", r.Channel).Warn().
		Str("alert_id", a.ID).
		Float64("value", r.Value).
		Str("condition", condition).
		Msg("alert raised")

	return Outcome{Created: a}, nil
}

func (m *Manager) clear(ctx context.Context, current *models.Alert) (Outcome, error) {
	cleared, err := m.store.UpdateAlertStatus(ctx, current.ID, models.AlertActive, models.AlertCleared)
	if errors.Is(err, storage.ErrStatusConflict) {
		// acknowledged in the meantime, nothing left to clear
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("clear alert %s: %w", current.ID, err)
	}

	metrics.AlertsClearedTotal.WithLabelValues(cleared.Channel).Inc()
	logger.WithChannel("alerts", cleared.Channel).Info().
		Str("alert_id", cleared.ID).
		Msg("alert cleared")

	return Outcome{Cleared: cleared}, nil
}

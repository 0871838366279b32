package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sensorwatch/internal/config"
	"sensorwatch/internal/models"
)

var (
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned by UpdateAlertStatus when the alert is no
	// longer in the expected status.
	ErrStatusConflict = errors.New("alert status changed concurrently")

	// ErrDuplicateActive is returned by CreateAlert when the channel already
	// has an active alert.
	ErrDuplicateActive = errors.New("channel already has an active alert")
)

// AlertFilter narrows ListAlerts. Zero values mean "no filter".
type AlertFilter struct {
	Statuses []models.AlertStatus
	Channel  string
	Since    time.Time
	Limit    int
}

// Store persists readings and alerts. It is the source of truth for alert
// status.
type Store interface {
	SaveReading(ctx context.Context, r models.Reading) error
	// ReadingsSince returns readings at or after since, oldest first. An
	// empty channel matches all channels.
	ReadingsSince(ctx context.Context, channel string, since time.Time) ([]models.Reading, error)
	// RecentReadings returns the newest limit readings of channel, newest first.
	RecentReadings(ctx context.Context, channel string, limit int) ([]models.Reading, error)
	// LatestReadings returns the newest reading of every channel.
	LatestReadings(ctx context.Context) (map[string]models.Reading, error)

	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	// UpdateAlertStatus moves alert id from status from to status to.
	UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus) (*models.Alert, error)
	// ActiveAlerts returns the active alerts of channel, newest first.
	ActiveAlerts(ctx context.Context, channel string) ([]*models.Alert, error)
	// ListAlerts returns alerts matching f, newest first.
	ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error)
	// CountAlerts counts alerts in status; an empty status counts all.
	CountAlerts(ctx context.Context, status models.AlertStatus) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// New opens the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return NewMemory(0), nil
	case config.StoragePostgres:
		s, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

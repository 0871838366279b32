package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
	"sensorwatch/internal/state"
	"sensorwatch/internal/storage"
)

const (
	// DefaultAlertLimit is used by LatestAlerts when limit <= 0.
	DefaultAlertLimit = 20
	// DefaultRecentLimit is used by RecentReadings when limit <= 0.
	DefaultRecentLimit = 50
	// DefaultSummaryDays is used by AlertSummary when days <= 0.
	DefaultSummaryDays = 7
)

// Store is the read side of storage.Store.
type Store interface {
	ReadingsSince(ctx context.Context, channel string, since time.Time) ([]models.Reading, error)
	RecentReadings(ctx context.Context, channel string, limit int) ([]models.Reading, error)
	ListAlerts(ctx context.Context, f storage.AlertFilter) ([]*models.Alert, error)
	CountAlerts(ctx context.Context, status models.AlertStatus) (int, error)
}

// Acknowledger performs acknowledge transitions.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id string) (*models.Alert, error)
}

// CountPublisher announces active alert count changes.
type CountPublisher interface {
	PublishActiveCount(n int)
}

// Config holds the query service's collaborators.
type Config struct {
	Store         Store
	Cache         *state.Cache
	Acknowledger  Acknowledger
	Publisher     CountPublisher
	HistoryWindow time.Duration
	Channels      []string
	Now           func() time.Time
}

// Service answers read requests and acknowledge calls.
type Service struct {
	store         Store
	cache         *state.Cache
	acknowledger  Acknowledger
	publisher     CountPublisher
	historyWindow time.Duration
	channels      []string
	now           func() time.Time
}

// New creates a query service.
func New(cfg Config) *Service {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:         cfg.Store,
		cache:         cfg.Cache,
		acknowledger:  cfg.Acknowledger,
		publisher:     cfg.Publisher,
		historyWindow: cfg.HistoryWindow,
		channels:      cfg.Channels,
		now:           cfg.Now,
	}
}

// LatestSnapshot returns the latest reading per channel from the cache.
func (s *Service) LatestSnapshot() map[string]models.Reading {
	return s.cache.All()
}

// History returns readings inside the lookback window grouped by channel,
// oldest first. An empty channel returns every channel.
func (s *Service) History(ctx context.Context, channel string) (map[string][]models.Reading, error) {
	since := s.now().Add(-s.historyWindow)
	readings, err := s.store.ReadingsSince(ctx, channel, since)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	out := make(map[string][]models.Reading)
	for _, r := range readings {
		out[r.Channel] = append(out[r.Channel], r)
	}
	return out, nil
}

// RecentReadings returns the newest limit readings of channel, oldest first.
func (s *Service) RecentReadings(ctx context.Context, channel string, limit int) ([]models.Reading, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	readings, err := s.store.RecentReadings(ctx, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("recent readings for %s: %w", channel, err)
	}
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
	return readings, nil
}

// RecentAll returns RecentReadings for every configured channel.
func (s *Service) RecentAll(ctx context.Context, limit int) (map[string][]models.Reading, error) {
	out := make(map[string][]models.Reading, len(s.channels))
	for _, ch := range s.channels {
		readings, err := s.RecentReadings(ctx, ch, limit)
		if err != nil {
			return nil, err
		}
		out[ch] = readings
	}
	return out, nil
}

// ActiveAlertCount returns the number of Active alerts.
func (s *Service) ActiveAlertCount(ctx context.Context) (int, error) {
	n, err := s.store.CountAlerts(ctx, models.AlertActive)
	if err != nil {
		return 0, fmt.Errorf("active alert count: %w", err)
	}
	return n, nil
}

// LatestAlerts returns the newest limit alerts, reordered so Active alerts
// come first. Order within each group stays newest first.
func (s *Service) LatestAlerts(ctx context.Context, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}

	list, err := s.store.ListAlerts(ctx, storage.AlertFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Status == models.AlertActive && list[j].Status != models.AlertActive
	})
	return list, nil
}

// Acknowledge acknowledges alert id and announces the new active count.
// storage.ErrNotFound is returned for unknown ids.
func (s *Service) Acknowledge(ctx context.Context, id string) (*models.Alert, error) {
	a, err := s.acknowledger.Acknowledge(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		n, err := s.ActiveAlertCount(ctx)
		if err != nil {
			logger.WithComponent("query").Warn().Err(err).Msg("failed to refresh active alert count")
		} else {
			metrics.AlertsActive.Set(float64(n))
			s.publisher.PublishActiveCount(n)
		}
	}
	return a, nil
}

// ChannelSummary aggregates alerts for one channel.
type ChannelSummary struct {
	Channel    string         `json:"channel"`
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	Categories map[string]int `json:"categories"`
}

// Summary aggregates alerts raised in a lookback window.
type Summary struct {
	Days         int              `json:"days"`
	TotalAlerts  int              `json:"total_alerts"`
	ActiveAlerts int              `json:"active_alerts"`
	Channels     []ChannelSummary `json:"channels"`
}

// AlertSummary counts alerts raised in the last days days, per channel and
// per condition category.
func (s *Service) AlertSummary(ctx context.Context, days int) (*Summary, error) {
	if days <= 0 {
		days = DefaultSummaryDays
	}
	since := s.now().AddDate(0, 0, -days)

	list, err := s.store.ListAlerts(ctx, storage.AlertFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("alert summary: %w", err)
	}

	summary := &Summary{Days: days, Channels: []ChannelSummary{}}
	byChannel := make(map[string]*ChannelSummary)

	for _, a := range list {
		summary.TotalAlerts++
		cs, ok := byChannel[a.Channel]
		if !ok {
			cs = &ChannelSummary{Channel: a.Channel, Categories: make(map[string]int)}
			byChannel[a.Channel] = cs
		}
		cs.Total++
		if a.Status == models.AlertActive {
			summary.ActiveAlerts++
			cs.Active++
		}
		cs.Categories[a.Category()]++
	}

	for _, cs := range byChannel {
		summary.Channels = append(summary.Channels, *cs)
	}
	sort.Slice(summary.Channels, func(i, j int) bool {
		return summary.Channels[i].Channel < summary.Channels[j].Channel
	})
	return summary, nil
}

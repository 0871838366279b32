package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"sensorwatch/internal/models"
)

// DefaultMemoryRetention bounds readings kept per channel by the memory store.
const DefaultMemoryRetention = 100000

// Memory is an in-process Store used for development and tests.
type Memory struct {
	mu        sync.RWMutex
	retention int
	readings  map[string][]models.Reading
	alerts    map[string]*models.Alert
	order     []string
	// active indexes active alert ids by channel
	active map[string]map[string]struct{}
}

// NewMemory creates an empty memory store keeping at most retention readings
// per channel (DefaultMemoryRetention when <= 0).
func NewMemory(retention int) *Memory {
	if retention <= 0 {
		retention = DefaultMemoryRetention
	}
	return &Memory{
		retention: retention,
		readings:  make(map[string][]models.Reading),
		alerts:    make(map[string]*models.Alert),
		active:    make(map[string]map[string]struct{}),
	}
}

func (m *Memory) SaveReading(ctx context.Context, r models.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := append(m.readings[r.Channel], r)
	if len(rs) > m.retention {
		rs = rs[len(rs)-m.retention:]
	}
	m.readings[r.Channel] = rs
	return nil
}

func (m *Memory) ReadingsSince(ctx context.Context, channel string, since time.Time) ([]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Reading{}
	for ch, rs := range m.readings {
		if channel != "" && ch != channel {
			continue
		}
		for _, r := range rs {
			if !r.Timestamp.Before(since) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *Memory) RecentReadings(ctx context.Context, channel string, limit int) ([]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	rs := append([]models.Reading(nil), m.readings[channel]...)
	m.mu.RUnlock()

	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Timestamp.After(rs[j].Timestamp)
	})
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	if rs == nil {
		rs = []models.Reading{}
	}
	return rs, nil
}

func (m *Memory) LatestReadings(ctx context.Context) (map[string]models.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.Reading, len(m.readings))
	for ch, rs := range m.readings {
		for _, r := range rs {
			if cur, ok := out[ch]; !ok || !r.Timestamp.Before(cur.Timestamp) {
				out[ch] = r
			}
		}
	}
	return out, nil
}

func (m *Memory) CreateAlert(ctx context.Context, a *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Status == models.AlertActive && len(m.active[a.Channel]) > 0 {
		return ErrDuplicateActive
	}

	cp := *a
	m.alerts[a.ID] = &cp
	m.order = append(m.order, a.ID)
	if a.Status == models.AlertActive {
		m.index(a.Channel)[a.ID] = struct{}{}
	}
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateAlertStatus(ctx context.Context, id string, from, to models.AlertStatus) (*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != from {
		return nil, ErrStatusConflict
	}

	a.Status = to
	if from == models.AlertActive {
		delete(m.active[a.Channel], id)
	}
	if to == models.AlertActive {
		m.index(a.Channel)[id] = struct{}{}
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ActiveAlerts(ctx context.Context, channel string) ([]*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Alert, 0, len(m.active[channel]))
	for id := range m.active[channel] {
		cp := *m.alerts[id]
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Alert{}
	for _, id := range m.order {
		a := m.alerts[id]
		if f.Channel != "" && a.Channel != f.Channel {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, a.Status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountAlerts(ctx context.Context, status models.AlertStatus) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status == "" {
		return len(m.alerts), nil
	}
	if status == models.AlertActive {
		n := 0
		for _, ids := range m.active {
			n += len(ids)
		}
		return n, nil
	}
	n := 0
	for _, a := range m.alerts {
		if a.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// index returns the active set of channel, creating it. Caller holds m.mu.
func (m *Memory) index(channel string) map[string]struct{} {
	ids, ok := m.active[channel]
	if !ok {
		ids = make(map[string]struct{})
		m.active[channel] = ids
	}
	return ids
}

func hasStatus(statuses []models.AlertStatus, s models.AlertStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func sortNewestFirst(alerts []*models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}

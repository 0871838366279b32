package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorwatch/internal/models"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newAlert(channel string, status models.AlertStatus, ts time.Time) *models.Alert {
	return &models.Alert{
		ID:        uuid.NewString(),
		Channel:   channel,
		Condition: "Temperature CRITICAL HIGH: 41.0°C (Threshold: 40.0°C)",
		Value:     41,
		Timestamp: ts,
		Status:    status,
	}
}

// runStoreSuite exercises the Store contract against any implementation.
// channel names are suffixed so a shared database does not leak state
// between runs.
func runStoreSuite(t *testing.T, s Store) {
	suffix := uuid.NewString()[:8]
	temp := "temperature-" + suffix
	power := "power-" + suffix

	t.Run("readings", func(t *testing.T) {
		ctx := context.Background()
		for i, v := range []float64{20, 21, 22} {
			require.NoError(t, s.SaveReading(ctx, models.Reading{Channel: temp, Value: v, Timestamp: base.Add(time.Duration(i) * time.Minute)}))
		}
		require.NoError(t, s.SaveReading(ctx, models.Reading{Channel: power, Value: 3, Timestamp: base.Add(30 * time.Second)}))

		since, err := s.ReadingsSince(ctx, temp, base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, 21.0, since[0].Value)
		assert.Equal(t, 22.0, since[1].Value)

		recent, err := s.RecentReadings(ctx, temp, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, 22.0, recent[0].Value)
		assert.Equal(t, 21.0, recent[1].Value)

		latest, err := s.LatestReadings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 22.0, latest[temp].Value)
		assert.True(t, latest[temp].Timestamp.Equal(base.Add(2*time.Minute)))
		assert.Equal(t, 3.0, latest[power].Value)
	})

	t.Run("alert lifecycle", func(t *testing.T) {
		ctx := context.Background()
		a := newAlert(temp, models.AlertActive, base)
		require.NoError(t, s.CreateAlert(ctx, a))

		err := s.CreateAlert(ctx, newAlert(temp, models.AlertActive, base.Add(time.Second)))
		assert.True(t, errors.Is(err, ErrDuplicateActive), "second active alert must be refused, got %v", err)

		active, err := s.ActiveAlerts(ctx, temp)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		got, err := s.GetAlert(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AlertActive, got.Status)
		assert.Equal(t, a.Condition, got.Condition)

		cleared, err := s.UpdateAlertStatus(ctx, a.ID, models.AlertActive, models.AlertCleared)
		require.NoError(t, err)
		assert.Equal(t, models.AlertCleared, cleared.Status)

		_, err = s.UpdateAlertStatus(ctx, a.ID, models.AlertActive, models.AlertAcknowledged)
		assert.True(t, errors.Is(err, ErrStatusConflict), "got %v", err)

		active, err = s.ActiveAlerts(ctx, temp)
		require.NoError(t, err)
		assert.Empty(t, active)

		// a new active alert is allowed once the previous one is cleared
		require.NoError(t, s.CreateAlert(ctx, newAlert(temp, models.AlertActive, base.Add(time.Hour))))
	})

	t.Run("not found", func(t *testing.T) {
		ctx := context.Background()
		_, err := s.GetAlert(ctx, uuid.NewString())
		assert.True(t, errors.Is(err, ErrNotFound))

		_, err = s.UpdateAlertStatus(ctx, uuid.NewString(), models.AlertActive, models.AlertCleared)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("list and count", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, s.CreateAlert(ctx, newAlert(power, models.AlertActive, base.Add(2*time.Hour))))
		old := newAlert(power, models.AlertCleared, base.Add(-time.Hour))
		require.NoError(t, s.CreateAlert(ctx, old))

		list, err := s.ListAlerts(ctx, AlertFilter{Channel: power})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.True(t, list[0].Timestamp.After(list[1].Timestamp))

		list, err = s.ListAlerts(ctx, AlertFilter{Channel: power, Statuses: []models.AlertStatus{models.AlertCleared}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, old.ID, list[0].ID)

		list, err = s.ListAlerts(ctx, AlertFilter{Channel: power, Since: base})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		list, err = s.ListAlerts(ctx, AlertFilter{Channel: power, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		all, err := s.CountAlerts(ctx, "")
		require.NoError(t, err)
		active, err := s.CountAlerts(ctx, models.AlertActive)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, all, active)
		assert.GreaterOrEqual(t, active, 2)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}

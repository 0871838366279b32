package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorwatch/internal/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemory(0))
}

func TestMemory_Retention(t *testing.T) {
	s := NewMemory(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveReading(ctx, models.Reading{Channel: "power", Value: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}

	recent, err := s.RecentReadings(ctx, "power", 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 4.0, recent[0].Value)
	assert.Equal(t, 2.0, recent[2].Value)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()
	a := newAlert("temperature", models.AlertActive, base)
	require.NoError(t, s.CreateAlert(ctx, a))

	a.Status = models.AlertCleared
	got, err := s.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, got.Status)

	got.Status = models.AlertAcknowledged
	again, err := s.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, again.Status)
}

func TestMemory_ConcurrentCreateKeepsOneActive(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.CreateAlert(ctx, newAlert("flowrate", models.AlertActive, base.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()

	n, err := s.CountAlerts(ctx, models.AlertActive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_CancelledContext(t *testing.T) {
	s := NewMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.SaveReading(ctx, models.Reading{Channel: "power"}))
	_, err := s.CountAlerts(ctx, models.AlertActive)
	assert.Error(t, err)
}

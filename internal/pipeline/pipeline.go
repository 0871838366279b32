package pipeline

import (
	"context"
	"fmt"
	"time"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
	"sensorwatch/internal/state"
)

// Lifecycle evaluates readings against alert state.
type Lifecycle interface {
	Process(ctx context.Context, r models.Reading) (alerts.Outcome, error)
	ActiveCount(ctx context.Context) (int, error)
}

// ReadingStore persists readings.
type ReadingStore interface {
	SaveReading(ctx context.Context, r models.Reading) error
}

// Publisher pushes events to observers without blocking.
type Publisher interface {
	PublishReading(r models.Reading)
	PublishAlert(a *models.Alert)
	PublishActiveCount(n int)
}

// Config holds the pipeline's collaborators.
type Config struct {
	Normalizer   *models.Normalizer
	Lifecycle    Lifecycle
	Cache        *state.Cache
	Mirror       state.Mirror
	Store        ReadingStore
	Publisher    Publisher
	StoreTimeout time.Duration
}

// Pipeline runs one raw message through normalization, alert evaluation,
// caching, persistence and broadcast.
type Pipeline struct {
	normalizer   *models.Normalizer
	lifecycle    Lifecycle
	cache        *state.Cache
	mirror       state.Mirror
	store        ReadingStore
	publisher    Publisher
	storeTimeout time.Duration
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Mirror == nil {
		cfg.Mirror = state.NewNoopMirror()
	}
	return &Pipeline{
		normalizer:   cfg.Normalizer,
		lifecycle:    cfg.Lifecycle,
		cache:        cfg.Cache,
		mirror:       cfg.Mirror,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		storeTimeout: cfg.StoreTimeout,
	}
}

// Handle processes one envelope. Every failure is logged here; the returned
// error only tells the caller the message did not complete.
func (p *Pipeline) Handle(ctx context.Context, env *models.Envelope) error {
	log := logger.WithComponent("pipeline")

	reading, err := p.normalizer.Normalize(env.Topic, env.Payload)
	if err != nil {
		metrics.IngestMessagesTotal.WithLabelValues(env.Transport, "rejected").Inc()
		metrics.IngestValidationErrors.WithLabelValues(models.ErrorType(err)).Inc()
		log.Warn().
			Err(err).
			Str("topic", env.Topic).
			Str("transport", env.Transport).
			Int("payload_bytes", len(env.Payload)).
			Msg("rejected message")
		return err
	}
	metrics.IngestMessagesTotal.WithLabelValues(env.Transport, "accepted").Inc()

	log = logger.WithChannel("pipeline", reading.Channel)

	outcome, err := p.evaluate(ctx, reading)
	if err != nil {
		log.Error().Err(err).Float64("value", reading.Value).Msg("alert evaluation failed, dropping message")
		return err
	}

	p.cache.Update(reading)
	p.mirrorReading(ctx, reading)

	saveErr := p.save(ctx, reading)
	if saveErr != nil {
		log.Error().Err(saveErr).Float64("value", reading.Value).Msg("failed to persist reading")
	} else {
		p.publisher.PublishReading(reading)
	}

	if outcome.Created != nil {
		p.publisher.PublishAlert(outcome.Created)
	}
	p.publishCount(ctx)

	log.Debug().
		Float64("value", reading.Value).
		Bool("alert_created", outcome.Created != nil).
		Bool("alert_cleared", outcome.Cleared != nil).
		Msg("reading processed")

	return saveErr
}

func (p *Pipeline) evaluate(ctx context.Context, r models.Reading) (alerts.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	return p.lifecycle.Process(ctx, r)
}

func (p *Pipeline) save(ctx context.Context, r models.Reading) error {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	if err := p.store.SaveReading(ctx, r); err != nil {
		metrics.ReadingsStoredTotal.WithLabelValues(r.Channel, "failed").Inc()
		return fmt.Errorf("save reading: %w", err)
	}
	metrics.ReadingsStoredTotal.WithLabelValues(r.Channel, "success").Inc()
	return nil
}

func (p *Pipeline) mirrorReading(ctx context.Context, r models.Reading) {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	if err := p.mirror.Put(ctx, r); err != nil {
		metrics.MirrorWritesTotal.WithLabelValues("failed").Inc()
		logger.WithChannel("pipeline", r.Channel).Warn().Err(err).Msg("failed to mirror latest reading")
		return
	}
	metrics.MirrorWritesTotal.WithLabelValues("success").Inc()
}

// publishCount re-reads the active alert count and broadcasts it.
func (p *Pipeline) publishCount(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	n, err := p.lifecycle.ActiveCount(ctx)
	if err != nil {
		logger.WithComponent("pipeline").Warn().Err(err).Msg("failed to read active alert count")
		return
	}
	metrics.AlertsActive.Set(float64(n))
	p.publisher.PublishActiveCount(n)
}

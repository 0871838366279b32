package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

// Handler processes one envelope
type Handler interface {
	Handle(ctx context.Context, env *models.Envelope) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, env *models.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *models.Envelope) error {
	return f(ctx, env)
}

// Pool consumes envelopes and hands them to a fixed set of workers. Envelopes
// with the same partition key always go to the same worker, so one channel's
// readings are handled in arrival order.
type Pool struct {
	handler      Handler
	envelopeChan <-chan *models.Envelope
	workers      int
	shardSize    int
	partition    func(*models.Envelope) string

	shards []chan *models.Envelope
	wg     sync.WaitGroup
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Handler      Handler
	EnvelopeChan <-chan *models.Envelope
	Workers      int
	// ShardQueueSize is the per-worker queue depth
	ShardQueueSize int
	// Partitioner picks the shard key; defaults to Envelope.PartitionKey
	Partitioner func(*models.Envelope) string
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShardQueueSize <= 0 {
		cfg.ShardQueueSize = 64
	}

	if cfg.Partitioner == nil {
		cfg.Partitioner = func(env *models.Envelope) string { return env.PartitionKey }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler:      cfg.Handler,
		envelopeChan: cfg.EnvelopeChan,
		workers:      cfg.Workers,
		shardSize:    cfg.ShardQueueSize,
		partition:    cfg.Partitioner,
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("shard_queue_size", p.shardSize).
		Msg("starting worker pool")

	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	p.shards = make([]chan *models.Envelope, p.workers)
	for i := 0; i < p.workers; i++ {
		p.shards[i] = make(chan *models.Envelope, p.shardSize)
		p.wg.Add(1)
		go p.worker(i, p.shards[i])
	}

	go p.dispatch()

	go func() {
		p.wg.Wait()
		close(p.done)
	}()
}

// Done is closed once every worker has exited, either because the envelope
// channel was closed and drained or because Stop was called.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stop aborts in-flight work and waits for all workers to exit
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	<-p.done
	log.Info().Msg("worker pool stopped")
}

// dispatch routes envelopes to shards until the input closes or the pool
// is stopped.
func (p *Pool) dispatch() {
	defer func() {
		for _, shard := range p.shards {
			close(shard)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

			shard := p.shards[shardFor(p.partition(envelope), len(p.shards))]
			select {
			case shard <- envelope:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// worker processes envelopes from its shard
func (p *Pool) worker(id int, shard <-chan *models.Envelope) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			return

		case envelope, ok := <-shard:
			if !ok {
				return
			}
			p.handle(envelope)
		}
	}
}

// handle runs the handler for one envelope, recovering panics so a single bad
// message cannot take the worker down
func (p *Pool) handle(envelope *models.Envelope) {
	log := logger.WithComponent("worker")
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Str("topic", envelope.Topic).
					Msg("worker panic recovered")
				metrics.PanicsRecovered.WithLabelValues("worker").Inc()
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p.handler.Handle(p.ctx, envelope)
	}()

	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return
	}
	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.envelopeChan),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
}

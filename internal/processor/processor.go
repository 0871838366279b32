package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/api"
	"sensorwatch/internal/broadcast"
	"sensorwatch/internal/config"
	"sensorwatch/internal/kafka"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/middleware"
	"sensorwatch/internal/models"
	"sensorwatch/internal/pipeline"
	"sensorwatch/internal/query"
	"sensorwatch/internal/state"
	"sensorwatch/internal/storage"
	"sensorwatch/internal/transport"
	"sensorwatch/internal/worker"
)

// Processor is the high-level coordinator for consuming, evaluating,
// broadcasting and serving telemetry.
type Processor struct {
	cfg *config.Config

	store      storage.Store
	mirror     state.Mirror
	cache      *state.Cache
	hub        *broadcast.Hub
	producer   *kafka.Producer
	exporter   *kafka.Exporter
	manager    *alerts.Manager
	queries    *query.Service
	workerPool *worker.Pool
	source     transport.Source

	envelopeChan chan *models.Envelope
	httpServer   *http.Server
	listener     net.Listener
	ready        chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:          cfg,
		envelopeChan: make(chan *models.Envelope, cfg.Pipeline.QueueSize),
		ready:        make(chan struct{}),
	}
}

// Ready is closed once the HTTP listener is bound.
func (p *Processor) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the bound HTTP address. Only valid after Ready.
func (p *Processor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Run starts background goroutines and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().
		Str("transport", p.cfg.Transport.Kind).
		Str("storage", p.cfg.Storage.Backend).
		Msg("processor starting")

	if err := p.initState(ctx); err != nil {
		p.closeState()
		return err
	}

	if err := p.initExport(); err != nil {
		p.closeState()
		return fmt.Errorf("failed to initialize kafka export: %w", err)
	}

	p.initPipeline()
	p.workerPool.Start()

	source, err := transport.New(p.cfg)
	if err != nil {
		p.abort()
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	p.source = source

	if err := p.initHTTPServer(); err != nil {
		p.abort()
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	serverErr := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.Addr()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			serverErr <- err
		}
	}()
	close(p.ready)

	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	sourceDone := make(chan struct{})
	go func() {
		defer close(sourceDone)
		p.runSource(sourceCtx)
	}()

	// Stats reporting goroutine
	statsCtx, stopStats := context.WithCancel(context.Background())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(statsCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serverErr:
	}

	stopSource()
	<-sourceDone
	stopStats()

	p.shutdown()
	return runErr
}

// initState opens the store and mirror, warms the cache and creates the hub
func (p *Processor) initState(ctx context.Context) error {
	log := logger.WithComponent("processor")

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.Storage.ConnectTimeout+5*time.Second)
	defer cancel()

	store, err := storage.New(connectCtx, p.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	p.store = store

	mirror, err := state.NewMirror(connectCtx, p.cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("redis mirror unavailable, continuing without it")
		mirror = state.NewNoopMirror()
	}
	p.mirror = mirror

	p.cache = state.NewCache()
	if err := p.cache.Warm(connectCtx, p.store, p.mirror); err != nil {
		log.Warn().Err(err).Msg("cache warm-up failed, starting cold")
	}
	log.Info().Int("channels", p.cache.Len()).Msg("latest-value cache ready")

	p.hub = broadcast.NewHub(p.cfg.Broadcast.ObserverBuffer)
	return nil
}

// initExport starts the Kafka alert exporter when enabled
func (p *Processor) initExport() error {
	export := p.cfg.Kafka.Export
	if !export.Enabled {
		return nil
	}

	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, export.Topic, export.Producer)
	if err != nil {
		return err
	}
	p.producer = producer

	p.exporter = kafka.NewExporter(kafka.ExporterConfig{
		Publisher:    producer,
		Hub:          p.hub,
		BatchSize:    export.Producer.BatchSize,
		BatchTimeout: export.Producer.BatchTimeout,
	})
	p.exporter.Start()

	logger.WithComponent("processor").Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", export.Topic).
		Msg("kafka alert export initialized")
	return nil
}

// initPipeline builds the lifecycle manager, pipeline and worker pool
func (p *Processor) initPipeline() {
	pc := p.cfg.Pipeline

	p.manager = alerts.NewManager(p.store, alerts.DefaultRules(), nil)

	normalizer := models.NewNormalizer(pc.TopicPrefix, pc.Channels, nil)
	handler := pipeline.New(pipeline.Config{
		Normalizer:   normalizer,
		Lifecycle:    p.manager,
		Cache:        p.cache,
		Mirror:       p.mirror,
		Store:        p.store,
		Publisher:    p.hub,
		StoreTimeout: pc.StoreTimeout,
	})

	p.queries = query.New(query.Config{
		Store:         p.store,
		Cache:         p.cache,
		Acknowledger:  p.manager,
		Publisher:     p.hub,
		HistoryWindow: pc.HistoryWindow,
		Channels:      pc.Channels,
	})

	p.workerPool = worker.NewPool(worker.Config{
		Handler:      handler,
		EnvelopeChan: p.envelopeChan,
		Workers:      pc.Workers,
		Partitioner: func(env *models.Envelope) string {
			return normalizer.PartitionKey(env.Topic)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), pc.StoreTimeout)
	defer cancel()
	if n, err := p.manager.ActiveCount(ctx); err == nil {
		metrics.AlertsActive.Set(float64(n))
	}

	logger.WithComponent("processor").Info().
		Int("workers", pc.Workers).
		Int("queue_size", cap(p.envelopeChan)).
		Strs("channels", pc.Channels).
		Msg("pipeline initialized")
}

// runSource consumes the transport until ctx is cancelled
func (p *Processor) runSource(ctx context.Context) {
	if p.source == nil {
		return
	}
	log := logger.WithComponent("processor").With().Str("transport", p.source.Name()).Logger()

	if err := p.source.Start(ctx, p.envelopeChan); err != nil {
		log.Error().Err(err).Msg("transport stopped with error")
	}
	if err := p.source.Close(); err != nil {
		log.Warn().Err(err).Msg("transport close error")
	}
	log.Info().Msg("transport stopped")
}

// initHTTPServer builds the chi router and binds the listener
func (p *Processor) initHTTPServer() error {
	h := &api.Handler{
		Query: p.queries,
		Ingest: api.NewIngestHandler(api.IngestConfig{
			EnvelopeChan: p.envelopeChan,
			Validator:    models.NewNormalizer(p.cfg.Pipeline.TopicPrefix, p.cfg.Pipeline.Channels, nil),
			MaxBodySize:  p.cfg.HTTP.MaxBodySize,
		}),
		Observers:      broadcast.NewWebSocketHandler(p.hub),
		Channels:       p.cfg.Pipeline.Channels,
		AlertListLimit: p.cfg.Pipeline.AlertListLimit,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	// long-lived streams are exempt from the request timeout
	h.RegisterStreamRoutes(r)

	r.Group(func(r chi.Router) {
		if p.cfg.HTTP.WriteTimeout > 0 {
			r.Use(chimw.Timeout(p.cfg.HTTP.WriteTimeout))
		}
		h.RegisterRoutes(r)
		r.Get("/health", p.healthHandler)
		r.Get("/stats", p.statsHandler)
	})
	r.Handle("/metrics", promhttp.Handler())

	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	p.listener = ln

	p.httpServer = &http.Server{
		Handler:     r,
		ReadTimeout: p.cfg.HTTP.ReadTimeout,
		IdleTimeout: p.cfg.HTTP.IdleTimeout,
	}
	return nil
}

// abort releases what was started before a failed initialization
func (p *Processor) abort() {
	close(p.envelopeChan)
	<-p.workerPool.Done()
	if p.exporter != nil {
		p.exporter.Stop()
	}
	p.closeState()
}

// shutdown performs graceful shutdown. The transport has already stopped.
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests, including POST /ingest
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Nothing writes to the queue any more; close it so workers drain it
	log.Info().Msg("closing envelope channel")
	close(p.envelopeChan)

	// 3. Wait for workers to finish processing (with timeout)
	select {
	case <-p.workerPool.Done():
		log.Info().Msg("workers drained")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker drain timeout - aborting in-flight work")
	}
	p.workerPool.Stop()

	// 4. Flush exported events, then release observers and storage
	if p.exporter != nil {
		p.exporter.Stop()
	}
	p.closeState()

	// 5. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
}

// closeState closes the hub, producer, mirror and store in that order
func (p *Processor) closeState() {
	log := logger.WithComponent("processor")

	if p.hub != nil {
		p.hub.Close()
	}
	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.mirror != nil {
		if err := p.mirror.Close(); err != nil {
			log.Error().Err(err).Msg("mirror close error")
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	interval := p.cfg.Pipeline.StatsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workerStats := p.workerPool.Stats()
			metrics.WorkerQueueSize.Set(float64(workerStats.Queued))

			event := log.Info().
				Uint64("worker_processed", workerStats.Processed).
				Uint64("worker_failed", workerStats.Failed).
				Int("queue_size", workerStats.Queued).
				Int("observers", p.hub.Count()).
				Int("cached_channels", p.cache.Len())
			if p.producer != nil {
				ps := p.producer.Stats()
				event = event.
					Uint64("export_sent", ps.MessagesSent).
					Uint64("export_failed", ps.MessagesFailed)
			}
			event.Msg("stats")
		}
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// healthHandler reports whether the store is reachable
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK

	if err := p.store.Ping(ctx); err != nil {
		resp.Status, resp.Error, status = "unhealthy", err.Error(), http.StatusServiceUnavailable
	} else if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			resp.Status, resp.Error, status = "unhealthy", err.Error(), http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

type statsResponse struct {
	Worker    worker.Stats         `json:"worker"`
	Producer  *kafka.ProducerStats `json:"producer,omitempty"`
	Channel   channelStats         `json:"channel"`
	Observers int                  `json:"observers"`
	Cached    int                  `json:"cached_channels"`
}

type channelStats struct {
	Buffered int `json:"buffered"`
	Capacity int `json:"capacity"`
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Worker:    p.workerPool.Stats(),
		Channel:   channelStats{Buffered: len(p.envelopeChan), Capacity: cap(p.envelopeChan)},
		Observers: p.hub.Count(),
		Cached:    p.cache.Len(),
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		resp.Producer = &ps
	}
	writeJSON(w, http.StatusOK, resp)
}

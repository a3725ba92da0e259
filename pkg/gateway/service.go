package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"recurix/pkg/bus"
	"recurix/pkg/channel"
	"recurix/pkg/config"
	"recurix/pkg/event"
	"recurix/pkg/pipeline"

	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	defaultWorkers   = 4
	probeTimeout     = 2 * time.Second
	shutdownTimeout  = 5 * time.Second
	readHeaderLimit  = 5 * time.Second
	eventBufferDepth = 64
	shardBufferDepth = 16
)

// Pinger is anything the readiness probe can reach: the session store and
// the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the view of the session store the readiness probe needs.
type Store interface {
	Pinger
	Migrated() bool
}

// WebhookAdapter is implemented by adapters that receive updates over HTTP.
type WebhookAdapter interface {
	channel.Adapter
	Webhook() bool
	WebhookPath() string
	WebhookHandler(channel.Handler) http.Handler
}

// Handler is the dispatcher entry point the service feeds.
type Handler interface {
	Handle(ctx context.Context, raw event.RawUpdate) (pipeline.Result, error)
	Stats() pipeline.Stats
}

// Job is a background task that runs alongside the channels, such as the
// reminder scheduler. Run returns nil once ctx is cancelled.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Dispatcher Handler
	Bus        *bus.MessageBus
	Store      Store
	Cache      Pinger
	Channels   []channel.Adapter
	Jobs       []Job
}

// Service runs the channel adapters, a worker pool draining the inbound queue,
// and the HTTP server for webhooks and health probes.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	eventLog   *slog.Logger
	dispatcher Handler
	bus        *bus.MessageBus
	store      Store
	cache      Pinger
	channels   []channel.Adapter
	jobs       []Job

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Webhook bool   `json:"webhook,omitempty"`
	Error   string `json:"error,omitempty"`
}

type checkResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Checks        map[string]checkResult  `json:"checks,omitempty"`
	Channels      map[string]channelState `json:"channels"`
	Pipeline      pipeline.Stats          `json:"pipeline"`
	Queued        int                     `json:"queued"`
}

func NewService(cfg *config.Config, deps Deps, log *slog.Logger) (*Service, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Store == nil:
		return nil, errors.New("session store is required")
	case deps.Cache == nil:
		return nil, errors.New("cache is required")
	case len(deps.Channels) == 0:
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	messageBus := deps.Bus
	if messageBus == nil {
		messageBus = bus.NewMessageBusSize(cfg.Pipeline.QueueSize)
	}

	channelStates := make(map[string]channelState, len(deps.Channels))
	for _, adapter := range deps.Channels {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		eventLog:      log.With("component", "bus.events"),
		dispatcher:    deps.Dispatcher,
		bus:           messageBus,
		store:         deps.Store,
		cache:         deps.Cache,
		channels:      deps.Channels,
		jobs:          deps.Jobs,
		channelStates: channelStates,
	}, nil
}

// Run blocks until ctx ends or a component fails. Cancellation is a clean
// shutdown and returns nil.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		observeEvents(groupCtx, s.bus, s.eventLog)
		return nil
	})

	group.Go(func() error {
		return s.runHTTPServer(groupCtx)
	})

	workers := s.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	shards := make([]chan event.RawUpdate, workers)
	for i := range shards {
		shards[i] = make(chan event.RawUpdate, shardBufferDepth)
	}
	group.Go(func() error {
		s.routeInbound(groupCtx, shards)
		return nil
	})
	for i, shard := range shards {
		worker, shard := i, shard
		group.Go(func() error {
			s.runWorker(groupCtx, worker, shard)
			return nil
		})
	}

	for _, adapter := range s.channels {
		adapter := adapter
		group.Go(func() error {
			s.setChannelState(adapter.Name(), channelState{Running: true, Webhook: isWebhook(adapter)})
			err := adapter.Run(groupCtx, s.enqueue)
			s.setChannelState(adapter.Name(), channelState{Running: false, Webhook: isWebhook(adapter), Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	for _, job := range s.jobs {
		job := job
		group.Go(func() error {
			if err := job.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s job: %w", job.Name(), err)
			}
			return nil
		})
	}

	s.log.Info("Gateway service running", "workers", workers, "channels", len(s.channels), "jobs", len(s.jobs))

	err := group.Wait()
	s.bus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// enqueue is the handler polling adapters call. The update is queued for the
// worker pool; the adapter only learns about a failure to queue.
func (s *Service) enqueue(ctx context.Context, raw event.RawUpdate) error {
	if !s.bus.PublishInbound(ctx, raw) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("inbound queue closed")
	}
	return nil
}

// dispatch is the handler webhook routes call. It processes on the request
// goroutine so the HTTP status reflects the commit.
func (s *Service) dispatch(ctx context.Context, raw event.RawUpdate) error {
	_, err := s.dispatcher.Handle(ctx, raw)
	return err
}

// runWorker handles the updates of one shard in the order they were queued.
func (s *Service) runWorker(ctx context.Context, worker int, in <-chan event.RawUpdate) {
	log := s.log.With("worker", worker)
	for raw := range in {
		if ctx.Err() != nil {
			return
		}
		result, err := s.dispatcher.Handle(ctx, raw)
		if err != nil {
			log.Error("Failed to process queued update", "channel", raw.Channel, "event_id", result.Event.ID, "error", err)
			continue
		}
		log.Debug("Processed queued update", "channel", raw.Channel, "event_id", result.Event.ID, "outcome", result.Outcome)
	}
}

func (s *Service) runHTTPServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderLimit,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	for _, adapter := range s.channels {
		hook, ok := adapter.(WebhookAdapter)
		if !ok || !hook.Webhook() {
			continue
		}
		mux.Handle(hook.WebhookPath(), hook.WebhookHandler(s.dispatch))
		s.log.Info("Webhook route registered", "channel", hook.Name(), "path", hook.WebhookPath())
	}

	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, s.currentStatus("ok", nil))
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := s.runChecks(r.Context())

	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady(checks) {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, s.currentStatus(status, checks))
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, payload statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

// runChecks probes the dependencies an update needs to commit.
func (s *Service) runChecks(ctx context.Context) map[string]checkResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	checks := make(map[string]checkResult, 3)

	if s.store.Migrated() {
		checks["migrations"] = checkResult{OK: true}
	} else {
		checks["migrations"] = checkResult{Error: "migrations not applied"}
	}
	checks["store"] = probe(ctx, s.store)
	checks["cache"] = probe(ctx, s.cache)

	return checks
}

func probe(ctx context.Context, p Pinger) checkResult {
	if err := p.Ping(ctx); err != nil {
		return checkResult{Error: err.Error()}
	}
	return checkResult{OK: true}
}

func (s *Service) currentStatus(status string, checks map[string]checkResult) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Checks:        checks,
		Channels:      channels,
		Pipeline:      s.dispatcher.Stats(),
		Queued:        s.bus.Pending(),
	}
}

// isReady requires every dependency check to pass and at least one channel
// to be running.
func (s *Service) isReady(checks map[string]checkResult) bool {
	for _, check := range checks {
		if !check.OK {
			return false
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func isWebhook(adapter channel.Adapter) bool {
	hook, ok := adapter.(WebhookAdapter)
	return ok && hook.Webhook()
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"recurix/pkg/bus"
	"recurix/pkg/cache"
	"recurix/pkg/channel"
	"recurix/pkg/config"
	"recurix/pkg/conversation"
	"recurix/pkg/emitter"
	"recurix/pkg/event"
	"recurix/pkg/pipeline"
	"recurix/pkg/session"

	"github.com/stretchr/testify/require"
)

type scriptedLine struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func scriptedNormalize(raw event.RawUpdate) (event.InboundEvent, error) {
	var line scriptedLine
	if err := json.Unmarshal(raw.Body, &line); err != nil {
		return event.InboundEvent{}, event.Malformed(event.ErrorUndecodable, err.Error())
	}
	return event.FromText(line.ID, raw.Channel, line.UserID, line.UserID, line.Text, raw.ReceivedAt), nil
}

// scriptedAdapter feeds a fixed list of lines and records what it is asked to send.
type scriptedAdapter struct {
	name    string
	inbound []scriptedLine

	mu       sync.Mutex
	outbound []event.OutboundAction
	done     chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for _, line := range a.inbound {
		body, err := json.Marshal(line)
		if err != nil {
			return err
		}
		if err := handler(ctx, event.RawUpdate{Channel: a.name, SenderID: line.UserID, Body: body, ReceivedAt: time.Now().UTC()}); err != nil {
			return err
		}
	}

	close(a.done)

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) Normalize(raw event.RawUpdate) (event.InboundEvent, error) {
	return scriptedNormalize(raw)
}

func (a *scriptedAdapter) Send(_ context.Context, action event.OutboundAction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outbound = append(a.outbound, action)
	return nil
}

func (a *scriptedAdapter) outbounds() []event.OutboundAction {
	a.mu.Lock()
	defer a.mu.Unlock()

	outbound := make([]event.OutboundAction, len(a.outbound))
	copy(outbound, a.outbound)
	return outbound
}

// hookAdapter receives updates over the gateway's HTTP server.
type hookAdapter struct {
	scriptedAdapter
	path string
}

func (a *hookAdapter) Webhook() bool { return true }

func (a *hookAdapter) WebhookPath() string { return a.path }

func (a *hookAdapter) WebhookHandler(handler channel.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if err := handler(r.Context(), event.RawUpdate{Channel: a.name, Body: body, ReceivedAt: time.Now().UTC()}); err != nil {
			http.Error(w, "retry later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (a *hookAdapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

// toggledCache wraps a memory cache whose Ping can be made to fail.
type toggledCache struct {
	*cache.MemoryCache

	mu      sync.Mutex
	pingErr error
}

func (c *toggledCache) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *toggledCache) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

type e2eHarness struct {
	cfg   *config.Config
	store *session.SQLStore
	cache *toggledCache
	bus   *bus.MessageBus
}

func newE2EHarness(t *testing.T) *e2eHarness {
	t.Helper()

	store, err := session.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	cfg := config.Default()
	cfg.Gateway = config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)}
	cfg.Pipeline.Workers = 2

	return &e2eHarness{
		cfg:   cfg,
		store: store,
		cache: &toggledCache{MemoryCache: cache.NewMemory(time.Hour, time.Hour)},
		bus:   bus.NewMessageBusSize(16),
	}
}

func (h *e2eHarness) service(t *testing.T, adapters ...channel.Adapter) *Service {
	t.Helper()

	normalizers := event.Router{}
	emitters := emitter.Router{}
	for _, adapter := range adapters {
		normalizers[adapter.Name()] = event.NormalizerFunc(adapter.Normalize)
		emitters[adapter.Name()] = emitter.Once(adapter)
	}

	dispatcher, err := pipeline.New(pipeline.Deps{
		Normalizer: normalizers,
		Cache:      h.cache,
		Store:      h.store,
		Machine:    conversation.New(),
		Emitter:    emitters,
		Bus:        h.bus,
	}, pipeline.Options{}, nil)
	require.NoError(t, err)

	svc, err := NewService(h.cfg, Deps{
		Dispatcher: dispatcher,
		Bus:        h.bus,
		Store:      h.store,
		Cache:      h.cache,
		Channels:   adapters,
	}, nil)
	require.NoError(t, err)
	return svc
}

func runService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	return cancel, errCh
}

func stopService(t *testing.T, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2EPollingConversation(t *testing.T) {
	h := newE2EHarness(t)

	adapter := &scriptedAdapter{
		name: "scripted",
		inbound: []scriptedLine{
			{ID: "s-1", UserID: "100", Text: "/start"},
			{ID: "s-2", UserID: "200", Text: "/start"},
			{ID: "s-1", UserID: "100", Text: "/start"},
		},
		done: make(chan struct{}),
	}

	svc := h.service(t, adapter)
	cancel, errCh := runService(t, svc)

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted messages")
	}

	require.Eventually(t, func() bool {
		return svc.dispatcher.Stats().Processed+svc.dispatcher.Stats().Duplicates == 3
	}, 3*time.Second, 10*time.Millisecond)

	stopService(t, cancel, errCh)

	stats := svc.dispatcher.Stats()
	require.Equal(t, int64(2), stats.Processed)
	require.Equal(t, int64(1), stats.Duplicates)

	for _, user := range []string{"100", "200"} {
		state, err := h.store.Get(context.Background(), user)
		require.NoError(t, err)
		require.Equal(t, "awaiting_input:name", state.Tag)
		require.Equal(t, int64(1), state.Version)
	}

	outbounds := adapter.outbounds()
	require.Len(t, outbounds, 2)
	for _, action := range outbounds {
		require.Equal(t, "scripted", action.Channel)
		require.Equal(t, event.ActionSendText, action.Kind)
	}
}

func TestGatewayServiceKeepsPerUserOrderAcrossWorkers(t *testing.T) {
	h := newE2EHarness(t)
	h.cfg.Pipeline.Workers = 4

	var inbound []scriptedLine
	for i, text := range []string{"/add", "Netflix", "9,99", "01.01.2099"} {
		for _, user := range []string{"100", "200", "300"} {
			inbound = append(inbound, scriptedLine{ID: fmt.Sprintf("%s-%d", user, i), UserID: user, Text: text})
		}
	}
	adapter := &scriptedAdapter{name: "scripted", inbound: inbound, done: make(chan struct{})}

	svc := h.service(t, adapter)
	cancel, errCh := runService(t, svc)

	require.Eventually(t, func() bool {
		return svc.dispatcher.Stats().Processed == int64(len(inbound))
	}, 3*time.Second, 10*time.Millisecond)

	stopService(t, cancel, errCh)

	for _, user := range []string{"100", "200", "300"} {
		state, err := h.store.Get(context.Background(), user)
		require.NoError(t, err)
		require.Equal(t, "completed", state.Tag, "user %s", user)
		require.Equal(t, int64(4), state.Version)

		history, err := h.store.History(context.Background(), user, 10)
		require.NoError(t, err)
		require.Len(t, history, 4)
	}
}

func TestGatewayServiceWebhookCommitsOnRequest(t *testing.T) {
	h := newE2EHarness(t)

	adapter := &hookAdapter{scriptedAdapter: scriptedAdapter{name: "hook"}, path: "/hook"}
	svc := h.service(t, adapter)
	cancel, errCh := runService(t, svc)

	base := fmt.Sprintf("http://127.0.0.1:%d", h.cfg.Gateway.Port)
	waitForStatus(t, base+"/readyz", http.StatusOK, 2*time.Second)

	post := func(body string) int {
		response, err := http.Post(base+"/hook", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		require.NoError(t, response.Body.Close())
		return response.StatusCode
	}

	require.Equal(t, http.StatusOK, post(`{"id":"w-1","user_id":"7","text":"/add"}`))
	require.Equal(t, http.StatusOK, post(`{"id":"w-2","user_id":"7","text":"Netflix"}`))
	require.Equal(t, http.StatusOK, post(`{"id":"w-2","user_id":"7","text":"Netflix"}`))
	require.Equal(t, http.StatusOK, post(`not json`))

	// The webhook path processes synchronously, so the commit is visible now.
	state, err := h.store.Get(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, "awaiting_input:price", state.Tag)
	require.Equal(t, int64(2), state.Version)
	require.Len(t, adapter.outbounds(), 2)

	stopService(t, cancel, errCh)
}

func TestGatewayServiceReadyzTransitionsOnCacheRecovery(t *testing.T) {
	h := newE2EHarness(t)

	adapter := &scriptedAdapter{name: "scripted", done: make(chan struct{})}
	svc := h.service(t, adapter)
	cancel, errCh := runService(t, svc)

	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", h.cfg.Gateway.Port)
	waitForStatus(t, readyURL, http.StatusOK, 2*time.Second)

	h.cache.setPingErr(errors.New("temporary cache outage"))
	waitForStatus(t, readyURL, http.StatusServiceUnavailable, 2*time.Second)

	h.cache.setPingErr(nil)
	waitForStatus(t, readyURL, http.StatusOK, 2*time.Second)

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", h.cfg.Gateway.Port)
	response, err := http.Get(healthURL)
	require.NoError(t, err)
	defer response.Body.Close()

	var status statusResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.True(t, status.Channels["scripted"].Running)

	stopService(t, cancel, errCh)
}

func waitForStatus(t *testing.T, url string, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	last := 0
	for {
		response, err := http.Get(url)
		if err == nil {
			last = response.StatusCode
			require.NoError(t, response.Body.Close())
			if last == want {
				return
			}
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s to return %d (last %d, err %v)", url, want, last, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}

type funcJob struct {
	name string
	run  func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.run(ctx) }

func TestGatewayServiceRunsJobsUntilCancelled(t *testing.T) {
	h := newE2EHarness(t)
	adapter := &scriptedAdapter{name: "scripted", done: make(chan struct{})}

	started := make(chan struct{})
	stopped := make(chan struct{})
	svc := h.service(t, adapter)
	svc.jobs = []Job{funcJob{name: "reminders", run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil
	}}}

	cancel, errCh := runService(t, svc)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	stopService(t, cancel, errCh)
	select {
	case <-stopped:
	default:
		t.Fatal("job still running after the service stopped")
	}
}

func TestGatewayServiceStopsWhenAJobFails(t *testing.T) {
	h := newE2EHarness(t)
	adapter := &scriptedAdapter{name: "scripted", done: make(chan struct{})}

	svc := h.service(t, adapter)
	svc.jobs = []Job{funcJob{name: "reminders", run: func(context.Context) error {
		return errors.New("invalid schedule")
	}}}

	_, errCh := runService(t, svc)
	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "run reminders job: invalid schedule")
	case <-time.After(3 * time.Second):
		t.Fatal("service kept running after its job failed")
	}
}

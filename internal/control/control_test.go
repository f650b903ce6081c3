package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/measure"
	"github.com/NodePath81/fbspeed/internal/speedtest"
)

const testToken = "s3cret"

// gatedProber blocks the download phase until release is closed, when set.
type gatedProber struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedProber) MeasureLatency(ctx context.Context, _ string) (time.Duration, error) {
	return 20 * time.Millisecond, nil
}

func (p *gatedProber) MeasureDownload(ctx context.Context, _, _ string) (speedtest.Transfer, error) {
	if p.release != nil {
		p.once.Do(func() { close(p.entered) })
		select {
		case <-p.release:
		case <-ctx.Done():
			return speedtest.Transfer{}, ctx.Err()
		}
	}
	return speedtest.Transfer{Elapsed: time.Second, Bytes: 1_000_000}, nil
}

func (p *gatedProber) MeasureUpload(ctx context.Context, _ string, n int64) (speedtest.Transfer, error) {
	return speedtest.Transfer{Elapsed: time.Second, Bytes: n}, nil
}

func newGatedProber() *gatedProber {
	return &gatedProber{entered: make(chan struct{}), release: make(chan struct{})}
}

type testEnv struct {
	srv     *httptest.Server
	server  *Server
	engine  *speedtest.Engine
	hub     *EventHub
	restart chan struct{}
}

func newTestEnv(t *testing.T, prober speedtest.Prober, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Hostname = "probe-1"
	cfg.Control.AuthToken = testToken
	cfg.Control.AllowedOrigins = []string{"http://ui.example"}
	for _, fn := range mutate {
		fn(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewEventHub(ctx.Done())
	engine, err := speedtest.NewEngine(speedtest.Options{
		Endpoint: cfg.SpeedtestEndpoint(),
		Prober:   prober,
		Reporter: hub,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	restart := make(chan struct{}, 1)
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "fbspeed_progress_percent 0\n")
	})
	server, err := NewServer(cfg, engine, hub, metricsHandler, func() error {
		restart <- struct{}{}
		return nil
	}, zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, server: server, engine: engine, hub: hub, restart: restart}
}

type apiResponse struct {
	Ok     bool            `json:"ok"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, apiResponse) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out apiResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

type stateView struct {
	RunID    string `json:"run_id"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress"`
	Results  []struct {
		Phase string  `json:"phase"`
		Value float64 `json:"value"`
	} `json:"results"`
	Err string `json:"error"`
}

func (e *testEnv) waitPhase(t *testing.T, phase speedtest.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.engine.State().Phase == phase && !e.engine.Busy()
	}, 3*time.Second, 5*time.Millisecond)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})

	status, resp := env.do(t, http.MethodGet, "/api/state", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, resp.Ok)

	status, _ = env.do(t, http.MethodGet, "/api/state", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/rpc", "", map[string]string{"method": "GetState"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, resp = env.do(t, http.MethodGet, "/api/state", testToken, nil)
	require.Equal(t, http.StatusOK, status)
	var state stateView
	require.NoError(t, json.Unmarshal(resp.Result, &state))
	assert.Equal(t, "idle", state.Phase)
}

func TestNewServerRequiresToken(t *testing.T) {
	cfg := config.Default()
	_, err := NewServer(cfg, nil, nil, nil, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "auth_token")
}

func TestRunEndpointStartsRun(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})

	status, resp := env.do(t, http.MethodPost, "/api/run", testToken, nil)
	require.Equal(t, http.StatusAccepted, status)
	var run runResponse
	require.NoError(t, json.Unmarshal(resp.Result, &run))
	assert.NotEmpty(t, run.RunID)

	env.waitPhase(t, speedtest.PhaseComplete)
	_, resp = env.do(t, http.MethodGet, "/api/state", testToken, nil)
	var state stateView
	require.NoError(t, json.Unmarshal(resp.Result, &state))
	assert.Equal(t, run.RunID, state.RunID)
	assert.Equal(t, 100, state.Progress)
	require.Len(t, state.Results, 3)
	assert.Equal(t, 20.0, state.Results[0].Value)
	assert.Equal(t, 8.0, state.Results[1].Value)
}

func TestRunConflictAndCancel(t *testing.T) {
	prober := newGatedProber()
	env := newTestEnv(t, prober)

	status, _ := env.do(t, http.MethodPost, "/api/run", testToken, nil)
	require.Equal(t, http.StatusAccepted, status)
	<-prober.entered

	status, resp := env.do(t, http.MethodPost, "/api/run", testToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, resp.Error, "in progress")

	status, resp = env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "RunTest"})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Ok)

	status, _ = env.do(t, http.MethodPost, "/api/cancel", testToken, nil)
	assert.Equal(t, http.StatusOK, status)
	env.waitPhase(t, speedtest.PhaseFailed)

	state := env.engine.State()
	assert.Equal(t, speedtest.PhaseFailed, state.Phase)
	assert.Contains(t, state.Err, "cancelled")
	assert.Len(t, state.Results, 1)
}

func TestCancelWhenIdle(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	status, resp := env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "Cancel"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Ok)
	assert.Equal(t, speedtest.PhaseIdle, env.engine.State().Phase)
}

func TestRPCMethods(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})

	status, resp := env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "GetConfig"})
	require.Equal(t, http.StatusOK, status)
	var cfg struct {
		Hostname string         `json:"hostname"`
		Endpoint map[string]any `json:"endpoint"`
		Probe    map[string]any `json:"probe"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &cfg))
	assert.Equal(t, "probe-1", cfg.Hostname)
	assert.Equal(t, "https://httpbin.org/get", cfg.Endpoint["ping_url"])
	assert.Equal(t, "measured", cfg.Probe["throughput_basis"])
	assert.Equal(t, "multipart", cfg.Probe["upload_mode"])

	status, resp = env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "GetState"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Ok)

	status, resp = env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "Nope"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unknown method", resp.Error)

	status, resp = env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "Restart"})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Ok)
	select {
	case <-env.restart:
	case <-time.After(2 * time.Second):
		t.Fatal("restart not invoked")
	}
}

type fixedSchedule struct {
	status measure.SchedulerStatus
}

func (f fixedSchedule) Status() measure.SchedulerStatus { return f.status }

func TestScheduleStatus(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})

	status, resp := env.do(t, http.MethodGet, "/api/schedule", testToken, nil)
	require.Equal(t, http.StatusOK, status)
	var sched scheduleResponse
	require.NoError(t, json.Unmarshal(resp.Result, &sched))
	assert.False(t, sched.Enabled)
	assert.Nil(t, sched.Status)

	next := time.Unix(1_700_000_000, 0).UTC()
	env.server.SetScheduler(fixedSchedule{status: measure.SchedulerStatus{
		NextScheduled: next,
		LastRunID:     "run-7",
		Triggered:     7,
		SkippedTotal:  2,
	}})

	status, resp = env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "GetScheduleStatus"})
	require.Equal(t, http.StatusOK, status)
	sched = scheduleResponse{}
	require.NoError(t, json.Unmarshal(resp.Result, &sched))
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.Status)
	assert.True(t, next.Equal(sched.Status.NextScheduled))
	assert.Equal(t, "run-7", sched.Status.LastRunID)
	assert.Equal(t, uint64(2), sched.Status.SkippedTotal)
}

func TestRPCInvalidJSON(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/rpc", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPCMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	status, resp := env.do(t, http.MethodGet, "/rpc", testToken, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, "method not allowed", resp.Error)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &gatedProber{}, func(c *config.Config) {
		c.Control.RateLimit.PerSecond = 0.001
		c.Control.RateLimit.Burst = 2
	})
	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "GetState"})
		require.Equal(t, http.StatusOK, status)
	}
	status, resp := env.do(t, http.MethodPost, "/rpc", testToken, map[string]string{"method": "GetState"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", resp.Error)

	// reads are not limited
	status, _ = env.do(t, http.MethodGet, "/api/state", testToken, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	status, _ := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fbspeed_progress_percent")

	disabled := newTestEnv(t, &gatedProber{}, func(c *config.Config) {
		f := false
		c.Control.Metrics.Enabled = &f
	})
	status, _ = disabled.do(t, http.MethodGet, "/metrics", testToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestIdentity(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	status, resp := env.do(t, http.MethodGet, "/identity", testToken, nil)
	require.Equal(t, http.StatusOK, status)
	var id identityResponse
	require.NoError(t, json.Unmarshal(resp.Result, &id))
	assert.Equal(t, "probe-1", id.Hostname)
	assert.NotEmpty(t, id.Version)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/run", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	// Browsers send the requested header names lowercased.
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))
	allowed := strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Contains(t, allowed, "authorization")
	assert.Contains(t, allowed, "content-type")

	req.Header.Set("Origin", "http://evil.example")
	other, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer other.Body.Close()
	assert.Empty(t, other.Header.Get("Access-Control-Allow-Origin"))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
}

type eventView struct {
	Type     string          `json:"type"`
	Phase    string          `json:"phase"`
	Progress *int            `json:"progress"`
	State    json.RawMessage `json:"state"`
	Error    string          `json:"error"`
	Kind     string          `json:"kind"`
}

func readEvent(t *testing.T, conn *websocket.Conn) eventView {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev eventView
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})

	dialer := websocket.Dialer{Subprotocols: []string{wsPrimaryProtocol, WebSocketTokenProtocol(testToken)}}
	conn, resp, err := dialer.Dial(wsURL(env.srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, wsPrimaryProtocol, resp.Header.Get("Sec-WebSocket-Protocol"))

	first := readEvent(t, conn)
	require.Equal(t, eventSnapshot, first.Type)
	var snap stateView
	require.NoError(t, json.Unmarshal(first.State, &snap))
	assert.Equal(t, "idle", snap.Phase)

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	status, _ := env.do(t, http.MethodPost, "/api/run", testToken, nil)
	require.Equal(t, http.StatusAccepted, status)

	var types []string
	var progress []int
	for {
		ev := readEvent(t, conn)
		types = append(types, ev.Type)
		if ev.Progress != nil {
			progress = append(progress, *ev.Progress)
		}
		if ev.Type == eventRunComplete || ev.Type == eventRunFailed {
			break
		}
	}
	assert.Equal(t, []int{0, 10, 50, 100}, progress)
	assert.Equal(t, []string{
		eventProgress, eventPhaseStarted,
		eventMetricReady, eventProgress, eventPhaseStarted,
		eventMetricReady, eventProgress, eventPhaseStarted,
		eventMetricReady, eventProgress,
		eventRunComplete,
	}, types)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "get_state"}))
	again := readEvent(t, conn)
	assert.Equal(t, eventSnapshot, again.Type)
	require.NoError(t, json.Unmarshal(again.State, &snap))
	assert.Equal(t, "complete", snap.Phase)
}

func TestEventsBearerAuth(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, eventSnapshot, readEvent(t, conn).Type)
}

func TestEventsRejectsMissingToken(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dialer := websocket.Dialer{Subprotocols: []string{WebSocketTokenProtocol("wrong")}}
	_, resp, err = dialer.Dial(wsURL(env.srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, &gatedProber{})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://ui.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
	require.NoError(t, err)
	conn.Close()
}

func TestRunFailedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewEventHub(ctx.Done())
	client := &eventClient{send: make(chan []byte, 4)}
	hub.Register(client)

	hub.OnRunFailed(&speedtest.ProbeError{Phase: speedtest.PhasePing, Cause: io.EOF})
	select {
	case data := <-client.send:
		var ev eventView
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, eventRunFailed, ev.Type)
		assert.Equal(t, "probe_failed", ev.Kind)
		assert.Contains(t, ev.Error, "ping probe failed")
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-client.send:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimiterPerClient(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(1, 1, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow(""))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("c"))
	rl.mu.Lock()
	_, kept := rl.clients["a"]
	rl.mu.Unlock()
	assert.False(t, kept)
}

func TestWebSocketTokenProtocolRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Sec-WebSocket-Protocol", wsPrimaryProtocol+", "+WebSocketTokenProtocol("a b/c"))
	token, ok := tokenFromWebSocketProtocols(req)
	require.True(t, ok)
	assert.Equal(t, "a b/c", token)
}

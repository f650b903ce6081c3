package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/speedtest"
)

func newSpeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/get", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("/bytes/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 100_000))
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeConfig(t *testing.T, speedURL string, port int) string {
	t.Helper()
	body := fmt.Sprintf(`
hostname: test
endpoint:
  ping_url: %[1]s/get
  upload_url: %[1]s/post
  download_file: small
  test_files:
    small: %[1]s/bytes/100000
  payload_size: 100kb
probe:
  timeout: 5s
control:
  bind_addr: 127.0.0.1
  bind_port: %[2]d
  auth_token: tok
log:
  level: debug
`, speedURL, port)
	path := filepath.Join(t.TempDir(), "fbspeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunOnce(t *testing.T) {
	srv := newSpeedServer(t)
	cfg := config.Default()
	cfg.Endpoint.PingURL = srv.URL + "/get"
	cfg.Endpoint.DownloadURL = srv.URL + "/bytes/100000"
	cfg.Endpoint.UploadURL = srv.URL + "/post"
	cfg.Endpoint.PayloadSize = "100kb"
	require.NoError(t, cfg.Finalize())

	state, err := RunOnce(context.Background(), cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, speedtest.PhaseComplete, state.Phase)
	require.Len(t, state.Results, 3)
	assert.Equal(t, int64(100_000), state.Results[1].Bytes)
	assert.Equal(t, int64(100_000), state.Results[2].Bytes)
}

func TestRunOnceFailure(t *testing.T) {
	srv := newSpeedServer(t)
	cfg := config.Default()
	cfg.Endpoint.PingURL = srv.URL + "/get"
	cfg.Endpoint.DownloadURL = srv.URL + "/missing"
	cfg.Endpoint.UploadURL = srv.URL + "/post"
	require.NoError(t, cfg.Finalize())

	state, err := RunOnce(context.Background(), cfg, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, speedtest.KindProbeFailed, speedtest.KindOf(err))
	assert.Equal(t, speedtest.PhaseFailed, state.Phase)
	assert.Len(t, state.Results, 1)
}

func getState(t *testing.T, addr string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/api/state", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestSupervisorLifecycle(t *testing.T) {
	srv := newSpeedServer(t)
	path := writeConfig(t, srv.URL, freePort(t))

	sup := NewSupervisor(path, zerolog.Nop())
	require.NoError(t, sup.Start())
	defer sup.Stop()

	rt := sup.Runtime()
	require.NotNil(t, rt)
	require.Eventually(t, func() bool { return getState(t, rt.Addr()) == http.StatusOK }, 2*time.Second, 10*time.Millisecond)

	state, err := rt.Engine().RunTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, speedtest.PhaseComplete, state.Phase)
	require.NotNil(t, rt.metrics)

	// Restart reloads the file: point it at a new port.
	newPort := freePort(t)
	path2 := writeConfig(t, srv.URL, newPort)
	raw, err := os.ReadFile(path2)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	require.NoError(t, sup.Restart())
	next := sup.Runtime()
	require.NotNil(t, next)
	assert.NotSame(t, rt, next)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", newPort), next.Addr())
	assert.Equal(t, speedtest.PhaseIdle, next.Engine().State().Phase)

	_, err = rt.Engine().RunTest(context.Background())
	assert.ErrorIs(t, err, speedtest.ErrClosed)

	sup.Stop()
	assert.Nil(t, sup.Runtime())
}

func TestSupervisorRestartKeepsRuntimeOnBadConfig(t *testing.T) {
	srv := newSpeedServer(t)
	path := writeConfig(t, srv.URL, freePort(t))

	sup := NewSupervisor(path, zerolog.Nop())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	rt := sup.Runtime()
	require.NotNil(t, rt)

	require.NoError(t, os.WriteFile(path, []byte("probe:\n  upload_mode: chunked\n"), 0o600))
	err := sup.Restart()
	assert.ErrorContains(t, err, "probe.upload_mode")
	assert.Same(t, rt, sup.Runtime())
	assert.Equal(t, 0, sup.Reloads())
	assert.Equal(t, http.StatusOK, getState(t, rt.Addr()))

	require.NoError(t, os.WriteFile(path, []byte("probe:\n  timeout: 0\n"), 0o600))
	assert.ErrorContains(t, sup.Restart(), "control.auth_token")
	assert.Same(t, rt, sup.Runtime())

	fresh := writeConfig(t, srv.URL, freePort(t))
	raw, err := os.ReadFile(fresh)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	require.NoError(t, sup.Restart())
	assert.NotSame(t, rt, sup.Runtime())
	assert.Equal(t, 1, sup.Reloads())
}

func TestSupervisorStartErrors(t *testing.T) {
	sup := NewSupervisor(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop())
	assert.Error(t, sup.Start())

	srv := newSpeedServer(t)
	path := writeConfig(t, srv.URL, freePort(t))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	noToken := strings.Replace(string(raw), "  auth_token: tok\n", "", 1)
	require.NoError(t, os.WriteFile(path, []byte(noToken), 0o600))
	sup = NewSupervisor(path, zerolog.Nop())
	assert.ErrorContains(t, sup.Start(), "auth_token")
}

func TestRuntimeWithoutMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Control.AuthToken = "tok"
	disabled := false
	cfg.Control.Metrics.Enabled = &disabled
	rt, err := newRuntime(cfg, zerolog.Nop(), nil, speedtestNop{})
	require.NoError(t, err)
	defer rt.Stop()
	assert.Nil(t, rt.metrics)
	assert.Nil(t, rt.probe)
}

func TestRuntimeScheduledRun(t *testing.T) {
	cfg := config.Default()
	cfg.Control.AuthToken = "tok"
	cfg.Control.BindPort = freePort(t)
	cfg.Schedule.Enabled = true
	cfg.Schedule.StartupDelay = config.Duration(time.Millisecond)
	rt, err := newRuntime(cfg, zerolog.Nop(), nil, speedtestNop{})
	require.NoError(t, err)
	require.NotNil(t, rt.scheduler)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	require.Eventually(t, func() bool {
		return rt.Engine().State().Phase == speedtest.PhaseComplete
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rt.scheduler.Status().Triggered == 1 }, time.Second, 5*time.Millisecond)
	st := rt.scheduler.Status()
	assert.Equal(t, rt.Engine().State().RunID, st.LastRunID)
	assert.True(t, st.NextScheduled.After(st.LastRun))
}

type speedtestNop struct{}

func (speedtestNop) MeasureLatency(context.Context, string) (time.Duration, error) {
	return time.Millisecond, nil
}

func (speedtestNop) MeasureDownload(context.Context, string, string) (speedtest.Transfer, error) {
	return speedtest.Transfer{Elapsed: time.Second, Bytes: 1}, nil
}

func (speedtestNop) MeasureUpload(context.Context, string, int64) (speedtest.Transfer, error) {
	return speedtest.Transfer{Elapsed: time.Second, Bytes: 1}, nil
}

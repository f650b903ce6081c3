package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/NodePath81/fbspeed/internal/config"
	"github.com/NodePath81/fbspeed/internal/measure"
	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
)

const (
	maxRPCBodyBytes   = 1 << 20
	limiterTTL        = 5 * time.Minute
	wsTokenPrefix     = "fbspeed-token."
	wsPrimaryProtocol = "fbspeed"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Engine is the part of speedtest.Engine the control server drives.
type Engine interface {
	Start(ctx context.Context) (string, error)
	Cancel()
	State() speedtest.RunState
	Busy() bool
}

// Scheduler reports the periodic run schedule.
type Scheduler interface {
	Status() measure.SchedulerStatus
}

type Server struct {
	cfg       config.Config
	engine    Engine
	hub       *EventHub
	metrics   http.Handler
	restartFn func() error
	logger    util.Logger
	limiter   *rateLimiter
	handler   http.Handler

	mu        sync.Mutex
	scheduler Scheduler
	runCtx    context.Context
	server    *http.Server
	listener  net.Listener
}

// NewServer wires the control API. metrics may be nil when exposition is
// disabled; restartFn may be nil when the server runs without a supervisor.
func NewServer(cfg config.Config, engine Engine, hub *EventHub, metrics http.Handler, restartFn func() error, logger util.Logger) (*Server, error) {
	if err := cfg.ValidateControl(); err != nil {
		return nil, err
	}
	if engine == nil || hub == nil {
		return nil, errors.New("control server requires an engine and an event hub")
	}
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		hub:       hub,
		metrics:   metrics,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newRateLimiter(cfg.Control.RateLimit.PerSecond, cfg.Control.RateLimit.Burst, limiterTTL),
		runCtx:    context.Background(),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "not found"})
	})

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/schedule", s.handleSchedule).Methods(http.MethodGet)
	api.HandleFunc("/run", s.rateLimited(s.handleRun)).Methods(http.MethodPost)
	api.HandleFunc("/cancel", s.rateLimited(s.handleCancel)).Methods(http.MethodPost)

	r.Handle("/rpc", s.requireAuth(s.rateLimited(s.handleRPC))).Methods(http.MethodPost)
	r.Handle("/identity", s.requireAuth(http.HandlerFunc(s.handleIdentity))).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.metrics != nil && s.cfg.Control.Metrics.IsEnabled() {
		r.Handle("/metrics", s.requireAuth(s.metrics)).Methods(http.MethodGet)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Control.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

func (s *Server) SetScheduler(scheduler Scheduler) {
	s.mu.Lock()
	s.scheduler = scheduler
	s.mu.Unlock()
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves until ctx is done. Runs started through
// the API inherit ctx.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.Control.BindAddr, s.cfg.Control.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.runCtx = ctx
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("control server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control server started")
	return nil
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.engine.State()})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.getRuntimeConfig()})
}

func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.scheduleStatus()})
}

type scheduleResponse struct {
	Enabled bool                     `json:"enabled"`
	Status  *measure.SchedulerStatus `json:"status,omitempty"`
}

func (s *Server) scheduleStatus() scheduleResponse {
	s.mu.Lock()
	scheduler := s.scheduler
	s.mu.Unlock()
	if scheduler == nil {
		return scheduleResponse{}
	}
	status := scheduler.Status()
	return scheduleResponse{Enabled: true, Status: &status}
}

func (s *Server) handleRun(w http.ResponseWriter, _ *http.Request) {
	status, resp := s.startRun()
	writeJSON(w, status, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.cancelRun()
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
}

func (s *Server) startRun() (int, rpcResponse) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	id, err := s.engine.Start(ctx)
	switch {
	case err == nil:
		s.logger.Info().Str("run_id", id).Msg("run triggered")
		return http.StatusAccepted, rpcResponse{Ok: true, Result: runResponse{RunID: id}}
	case errors.Is(err, speedtest.ErrRunInProgress):
		return http.StatusConflict, rpcResponse{Ok: false, Error: err.Error()}
	case errors.Is(err, speedtest.ErrClosed):
		return http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: err.Error()}
	default:
		return http.StatusInternalServerError, rpcResponse{Ok: false, Error: err.Error()}
	}
}

func (s *Server) cancelRun() {
	if s.engine.Busy() {
		s.logger.Info().Msg("run cancel requested")
	}
	s.engine.Cancel()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "RunTest":
		status, resp := s.startRun()
		writeJSON(w, status, resp)
	case "Cancel":
		s.cancelRun()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "GetState":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.engine.State()})
	case "GetConfig":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.getRuntimeConfig()})
	case "GetScheduleStatus":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.scheduleStatus()})
	case "Restart":
		if s.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart not supported"})
			return
		}
		go func() {
			s.logger.Info().Msg("restart invoked")
			if err := s.restartFn(); err != nil {
				s.logger.Error().Err(err).Msg("restart failed")
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (s *Server) getRuntimeConfig() map[string]interface{} {
	cfg := s.cfg
	return map[string]interface{}{
		"hostname": cfg.Hostname,
		"endpoint": map[string]interface{}{
			"ping_url":      cfg.Endpoint.PingURL,
			"download_url":  cfg.Endpoint.DownloadURL,
			"download_file": cfg.Endpoint.DownloadFile,
			"upload_url":    cfg.Endpoint.UploadURL,
			"payload_size":  cfg.Endpoint.PayloadSizeBytes,
			"download_size": cfg.Endpoint.DownloadSizeBytes,
			"test_files":    cfg.Endpoint.TestFiles,
		},
		"probe": map[string]interface{}{
			"timeout":              cfg.Probe.TimeoutDuration().String(),
			"user_agent":           cfg.Probe.UserAgent,
			"cache_bust_param":     cfg.Probe.CacheBustParam,
			"upload_mode":          cfg.Probe.UploadMode,
			"upload_field":         cfg.Probe.UploadField,
			"upload_filename":      cfg.Probe.UploadFilename,
			"throughput_basis":     cfg.Probe.ThroughputBasis,
			"insecure_skip_verify": cfg.Probe.InsecureSkipVerify,
			"http2":                cfg.SpeedtestProbe().HTTP2,
		},
		"control": map[string]interface{}{
			"bind_addr":       cfg.Control.BindAddr,
			"bind_port":       cfg.Control.BindPort,
			"allowed_origins": cfg.Control.AllowedOrigins,
			"rate_limit": map[string]interface{}{
				"per_second": cfg.Control.RateLimit.PerSecond,
				"burst":      cfg.Control.RateLimit.Burst,
			},
			"metrics": map[string]interface{}{
				"enabled": cfg.Control.Metrics.IsEnabled(),
			},
		},
		"schedule": map[string]interface{}{
			"enabled":       cfg.Schedule.Enabled,
			"startup_delay": cfg.Schedule.StartupDelay.Duration().String(),
			"interval_min":  cfg.Schedule.Interval.Min.Duration().String(),
			"interval_max":  cfg.Schedule.Interval.Max.Duration().String(),
		},
	}
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	name := strings.TrimSpace(s.cfg.Hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      listActiveIPs(),
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.checkEventsAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  s.originAllowed,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	client := &eventClient{send: make(chan []byte, 32)}
	s.hub.Register(client)
	// direct carries replies to this client only; it is never closed.
	direct := make(chan []byte, 4)

	var closeOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
			s.hub.Unregister(client)
		})
	}

	sendSnapshot := func() {
		data, err := json.Marshal(s.hub.snapshot(s.engine.State()))
		if err != nil {
			return
		}
		select {
		case direct <- data:
		default:
		}
	}
	sendSnapshot()

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			switch req.Type {
			case "get_state":
				sendSnapshot()
			default:
				ev := s.hub.newEvent(eventError)
				ev.Error = "unknown request type"
				if data, err := json.Marshal(ev); err == nil {
					select {
					case direct <- data:
					default:
					}
				}
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		write := func(data []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(websocket.TextMessage, data)
		}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data := <-direct:
				if err := write(data); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				if err := write(data); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAuth(r) {
			writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, s.cfg.Control.AuthToken)
}

func (s *Server) checkEventsAuth(r *http.Request) bool {
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, s.cfg.Control.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, s.cfg.Control.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

// WebSocketTokenProtocol encodes token for the Sec-WebSocket-Protocol header.
func WebSocketTokenProtocol(token string) string {
	return wsTokenPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// originAllowed accepts same-host origins and those listed in
// control.allowed_origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.Control.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rateLimiter keeps one token bucket per client, evicting idle ones.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.clients {
		if now.Sub(c.last) > r.ttl {
			delete(r.clients, k)
		}
	}
	c := r.clients[key]
	if c == nil {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = c
	}
	c.last = now
	return c.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func listActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	addrs := collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
	})
	if len(addrs) > 0 {
		return addrs
	}
	return collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagLoopback == 0
	})
}

func collectIPs(ifaces []net.Interface, filter func(net.Interface) bool) []string {
	ips := make([]string, 0)
	for _, iface := range ifaces {
		if !filter(iface) {
			continue
		}
		addrList, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrList {
			ip := addrToIP(addr)
			if ip == "" {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}

func addrToIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.IPNet:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	case *net.IPAddr:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	default:
		return ""
	}
}

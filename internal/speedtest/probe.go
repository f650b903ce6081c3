package speedtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

const (
	DefaultCacheBustParam = "nocache"
	DefaultUploadField    = "file"
	DefaultUploadFilename = "test.bin"

	// uploadDrainLimit caps how much of an upload response is read so the
	// connection can be reused.
	uploadDrainLimit = 64 << 10
)

// Prober performs single network operations. Implementations never retry.
type Prober interface {
	MeasureLatency(ctx context.Context, rawURL string) (time.Duration, error)
	MeasureDownload(ctx context.Context, rawURL, cacheBust string) (Transfer, error)
	MeasureUpload(ctx context.Context, rawURL string, payloadBytes int64) (Transfer, error)
}

// UploadMode selects how the upload payload is framed.
type UploadMode int

const (
	UploadMultipart UploadMode = iota
	UploadRaw
)

func (m UploadMode) String() string {
	if m == UploadRaw {
		return "raw"
	}
	return "multipart"
}

// ProbeConfig tunes HTTPProbe.
type ProbeConfig struct {
	// Timeout bounds each probe call (0 = no bound beyond the caller's context).
	Timeout time.Duration
	// UserAgent is sent on every request when non-empty.
	UserAgent string
	// CacheBustParam is the query parameter carrying the cache-bust value.
	CacheBustParam string
	// UploadMode selects multipart/form-data or a raw octet-stream body.
	UploadMode UploadMode
	// UploadField and UploadFilename name the multipart file part.
	UploadField    string
	UploadFilename string
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
	// HTTP2 enables HTTP/2 negotiation on the probe transport.
	HTTP2 bool
}

// HTTPProbe implements Prober over net/http.
type HTTPProbe struct {
	cfg    ProbeConfig
	client *http.Client
	now    func() time.Time
}

// NewHTTPProbe builds a probe with its own transport. Compression is disabled
// so byte counts reflect what crossed the wire.
func NewHTTPProbe(cfg ProbeConfig) (*HTTPProbe, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          4,
		DisableCompression:    true,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, errors.Wrap(err, "configure http2 transport")
		}
	}
	return newHTTPProbe(cfg, &http.Client{Transport: transport}, time.Now), nil
}

func newHTTPProbe(cfg ProbeConfig, client *http.Client, now func() time.Time) *HTTPProbe {
	if cfg.CacheBustParam == "" {
		cfg.CacheBustParam = DefaultCacheBustParam
	}
	if cfg.UploadField == "" {
		cfg.UploadField = DefaultUploadField
	}
	if cfg.UploadFilename == "" {
		cfg.UploadFilename = DefaultUploadFilename
	}
	return &HTTPProbe{cfg: cfg, client: client, now: now}
}

// CloseIdleConnections releases pooled connections held by the probe.
func (p *HTTPProbe) CloseIdleConnections() {
	p.client.CloseIdleConnections()
}

// MeasureLatency times a HEAD round trip. Any HTTP status counts as a
// completed round trip.
func (p *HTTPProbe) MeasureLatency(ctx context.Context, rawURL string) (time.Duration, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, &ProbeError{Phase: PhasePing, Cause: errors.Wrap(err, "build request")}
	}
	p.setHeaders(req)

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, &ProbeError{Phase: PhasePing, Cause: err}
	}
	elapsed := p.now().Sub(start)
	_ = resp.Body.Close()
	return elapsed, nil
}

// MeasureDownload fetches rawURL with the cache-bust parameter appended and
// times it through full body consumption.
func (p *HTTPProbe) MeasureDownload(ctx context.Context, rawURL, cacheBust string) (Transfer, error) {
	target, err := withQueryParam(rawURL, p.cfg.CacheBustParam, cacheBust)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseDownload, Cause: err}
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseDownload, Cause: errors.Wrap(err, "build request")}
	}
	p.setHeaders(req)

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseDownload, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Transfer{}, &ProbeError{Phase: PhaseDownload, Cause: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseDownload, Cause: errors.Wrapf(err, "read body after %d bytes", n)}
	}
	return Transfer{Elapsed: p.now().Sub(start), Bytes: n}, nil
}

// MeasureUpload posts payloadBytes zero bytes and times it until the
// response headers arrive. Transfer.Bytes counts payload bytes consumed by
// the transport, excluding multipart framing.
func (p *HTTPProbe) MeasureUpload(ctx context.Context, rawURL string, payloadBytes int64) (Transfer, error) {
	if payloadBytes < 0 {
		return Transfer{}, &ProbeError{Phase: PhaseUpload, Cause: fmt.Errorf("negative payload size %d", payloadBytes)}
	}
	payload := &zeroPayload{remaining: payloadBytes}
	body, contentType, length, err := p.uploadBody(payload, payloadBytes)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseUpload, Cause: err}
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseUpload, Cause: errors.Wrap(err, "build request")}
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", contentType)
	p.setHeaders(req)

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Transfer{}, &ProbeError{Phase: PhaseUpload, Cause: err}
	}
	elapsed := p.now().Sub(start)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, uploadDrainLimit))
	if resp.StatusCode >= http.StatusBadRequest {
		return Transfer{}, &ProbeError{Phase: PhaseUpload, Cause: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return Transfer{Elapsed: elapsed, Bytes: payload.sent()}, nil
}

func (p *HTTPProbe) uploadBody(payload io.Reader, size int64) (io.Reader, string, int64, error) {
	if p.cfg.UploadMode == UploadRaw {
		return payload, "application/octet-stream", size, nil
	}
	var framing bytes.Buffer
	mw := multipart.NewWriter(&framing)
	if _, err := mw.CreateFormFile(p.cfg.UploadField, p.cfg.UploadFilename); err != nil {
		return nil, "", 0, errors.Wrap(err, "build multipart header")
	}
	headLen := framing.Len()
	if err := mw.Close(); err != nil {
		return nil, "", 0, errors.Wrap(err, "build multipart trailer")
	}
	raw := framing.Bytes()
	head, tail := raw[:headLen], raw[headLen:]
	body := io.MultiReader(bytes.NewReader(head), payload, bytes.NewReader(tail))
	return body, mw.FormDataContentType(), int64(len(raw)) + size, nil
}

func (p *HTTPProbe) setHeaders(req *http.Request) {
	req.Header.Set("Cache-Control", "no-store, no-cache")
	req.Header.Set("Pragma", "no-cache")
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
}

func (p *HTTPProbe) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, p.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func withQueryParam(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	if value == "" {
		return u.String(), nil
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// zeroPayload yields a fixed number of zero bytes and counts what was read.
// The transport reads it from its own goroutine.
type zeroPayload struct {
	remaining int64
	read      atomic.Int64
}

func (z *zeroPayload) Read(b []byte) (int, error) {
	if z.remaining <= 0 {
		return 0, io.EOF
	}
	n := int64(len(b))
	if n > z.remaining {
		n = z.remaining
	}
	clear(b[:n])
	z.remaining -= n
	z.read.Add(n)
	return int(n), nil
}

func (z *zeroPayload) sent() int64 {
	return z.read.Load()
}

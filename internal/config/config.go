package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
	"github.com/NodePath81/fbspeed/internal/version"
)

const (
	defaultPingURL      = "https://httpbin.org/get"
	defaultUploadURL    = "https://httpbin.org/post"
	defaultDownloadFile = "large"
	defaultPayloadSize  = "1MB"

	defaultProbeTimeout    = 60 * time.Second
	defaultUploadMode      = "multipart"
	defaultThroughputBasis = "measured"
	defaultHTTP2           = true

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true
	defaultRatePerSecond         = 5
	defaultRateBurst             = 10

	defaultScheduleStartupDelay = 30 * time.Second
	defaultScheduleMinInterval  = 30 * time.Minute
	defaultScheduleMaxInterval  = 45 * time.Minute
	minScheduleInterval         = time.Minute

	defaultLogLevel = "info"
)

var defaultTestFiles = map[string]string{
	"small":  "https://httpbin.org/bytes/100000",
	"medium": "https://httpbin.org/bytes/500000",
	"large":  "https://httpbin.org/bytes/1000000",
}

// knownDownloadSizes is the body size of each built-in test file, used for the
// nominal basis when endpoint.download_size is not set.
var knownDownloadSizes = map[string]int64{
	"https://httpbin.org/bytes/100000":  100_000,
	"https://httpbin.org/bytes/500000":  500_000,
	"https://httpbin.org/bytes/1000000": 1_000_000,
}

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname string         `yaml:"hostname"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Probe    ProbeConfig    `yaml:"probe"`
	Control  ControlConfig  `yaml:"control"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Log      LogConfig      `yaml:"log"`
}

type EndpointConfig struct {
	PingURL      string            `yaml:"ping_url"`
	DownloadURL  string            `yaml:"download_url"`
	DownloadFile string            `yaml:"download_file"`
	TestFiles    map[string]string `yaml:"test_files"`
	DownloadSize string            `yaml:"download_size"`
	UploadURL    string            `yaml:"upload_url"`
	PayloadSize  string            `yaml:"payload_size"`

	PayloadSizeBytes  int64 `yaml:"-"`
	DownloadSizeBytes int64 `yaml:"-"`
}

type ProbeConfig struct {
	// Timeout is nil when unset; an explicit 0 disables the bound.
	Timeout            *Duration `yaml:"timeout"`
	UserAgent          string    `yaml:"user_agent"`
	CacheBustParam     string    `yaml:"cache_bust_param"`
	UploadMode         string    `yaml:"upload_mode"`
	UploadField        string    `yaml:"upload_field"`
	UploadFilename     string    `yaml:"upload_filename"`
	ThroughputBasis    string    `yaml:"throughput_basis"`
	InsecureSkipVerify bool      `yaml:"insecure_skip_verify"`
	HTTP2              *bool     `yaml:"http2"`
}

func (p ProbeConfig) TimeoutDuration() time.Duration {
	if p.Timeout == nil {
		return defaultProbeTimeout
	}
	return p.Timeout.Duration()
}

func DurationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

type ControlConfig struct {
	BindAddr       string               `yaml:"bind_addr"`
	BindPort       int                  `yaml:"bind_port"`
	AuthToken      string               `yaml:"auth_token"`
	AllowedOrigins []string             `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Metrics        ControlMetricsConfig `yaml:"metrics"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type ScheduleConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	StartupDelay Duration               `yaml:"startup_delay"`
	Interval     ScheduleIntervalConfig `yaml:"interval"`
}

type ScheduleIntervalConfig struct {
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

// Default returns a finalized configuration targeting the public httpbin endpoints.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Finalize fills defaults and validates. Call it again after overriding fields.
func (c *Config) Finalize() error {
	c.setDefaults()
	return c.validate()
}

func (c *Config) setDefaults() {
	if c.Endpoint.PingURL == "" {
		c.Endpoint.PingURL = defaultPingURL
	}
	if c.Endpoint.UploadURL == "" {
		c.Endpoint.UploadURL = defaultUploadURL
	}
	if len(c.Endpoint.TestFiles) == 0 {
		c.Endpoint.TestFiles = make(map[string]string, len(defaultTestFiles))
		for name, u := range defaultTestFiles {
			c.Endpoint.TestFiles[name] = u
		}
	}
	if c.Endpoint.DownloadFile == "" {
		c.Endpoint.DownloadFile = defaultDownloadFile
	}
	if c.Endpoint.PayloadSize == "" {
		c.Endpoint.PayloadSize = defaultPayloadSize
	}

	if c.Probe.Timeout == nil {
		c.Probe.Timeout = DurationPtr(defaultProbeTimeout)
	}
	if c.Probe.UserAgent == "" {
		c.Probe.UserAgent = "fbspeed/" + version.Version
	}
	if c.Probe.CacheBustParam == "" {
		c.Probe.CacheBustParam = speedtest.DefaultCacheBustParam
	}
	if c.Probe.UploadMode == "" {
		c.Probe.UploadMode = defaultUploadMode
	}
	if c.Probe.UploadField == "" {
		c.Probe.UploadField = speedtest.DefaultUploadField
	}
	if c.Probe.UploadFilename == "" {
		c.Probe.UploadFilename = speedtest.DefaultUploadFilename
	}
	if c.Probe.ThroughputBasis == "" {
		c.Probe.ThroughputBasis = defaultThroughputBasis
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.RateLimit.PerSecond == 0 {
		c.Control.RateLimit.PerSecond = defaultRatePerSecond
	}
	if c.Control.RateLimit.Burst == 0 {
		c.Control.RateLimit.Burst = defaultRateBurst
	}

	if c.Schedule.StartupDelay == 0 {
		c.Schedule.StartupDelay = Duration(defaultScheduleStartupDelay)
	}
	if c.Schedule.Interval.Min == 0 {
		c.Schedule.Interval.Min = Duration(defaultScheduleMinInterval)
	}
	if c.Schedule.Interval.Max == 0 {
		c.Schedule.Interval.Max = Duration(defaultScheduleMaxInterval)
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

func (c *Config) validate() error {
	c.Endpoint.DownloadFile = strings.ToLower(strings.TrimSpace(c.Endpoint.DownloadFile))
	if strings.TrimSpace(c.Endpoint.DownloadURL) == "" {
		u, ok := c.Endpoint.TestFiles[c.Endpoint.DownloadFile]
		if !ok {
			return fmt.Errorf("endpoint.download_file %q not in endpoint.test_files (have %s)",
				c.Endpoint.DownloadFile, strings.Join(testFileNames(c.Endpoint.TestFiles), ", "))
		}
		c.Endpoint.DownloadURL = u
	}
	for key, raw := range map[string]*string{
		"endpoint.ping_url":     &c.Endpoint.PingURL,
		"endpoint.download_url": &c.Endpoint.DownloadURL,
		"endpoint.upload_url":   &c.Endpoint.UploadURL,
	} {
		*raw = strings.TrimSpace(*raw)
		if err := validateURL(*raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	size, err := util.ParseBytes(c.Endpoint.PayloadSize)
	if err != nil {
		return fmt.Errorf("endpoint.payload_size: %w", err)
	}
	if size <= 0 {
		return errors.New("endpoint.payload_size must be > 0")
	}
	c.Endpoint.PayloadSizeBytes = size

	c.Endpoint.DownloadSizeBytes = 0
	if strings.TrimSpace(c.Endpoint.DownloadSize) != "" {
		dl, err := util.ParseBytes(c.Endpoint.DownloadSize)
		if err != nil {
			return fmt.Errorf("endpoint.download_size: %w", err)
		}
		if dl <= 0 {
			return errors.New("endpoint.download_size must be > 0")
		}
		c.Endpoint.DownloadSizeBytes = dl
	} else {
		c.Endpoint.DownloadSizeBytes = knownDownloadSizes[c.Endpoint.DownloadURL]
	}

	if c.Probe.TimeoutDuration() < 0 {
		return errors.New("probe.timeout must be >= 0")
	}
	c.Probe.UploadMode = strings.ToLower(strings.TrimSpace(c.Probe.UploadMode))
	if c.Probe.UploadMode != "multipart" && c.Probe.UploadMode != "raw" {
		return fmt.Errorf("probe.upload_mode must be multipart or raw, got %q", c.Probe.UploadMode)
	}
	c.Probe.ThroughputBasis = strings.ToLower(strings.TrimSpace(c.Probe.ThroughputBasis))
	basis, ok := speedtest.ParseThroughputBasis(c.Probe.ThroughputBasis)
	if !ok {
		return fmt.Errorf("probe.throughput_basis must be measured or nominal, got %q", c.Probe.ThroughputBasis)
	}
	if basis == speedtest.BasisNominal && c.Endpoint.DownloadSizeBytes == 0 {
		return fmt.Errorf("endpoint.download_size is required for the nominal basis (download %s has no known size)", c.Endpoint.DownloadURL)
	}
	if strings.ContainsAny(c.Probe.CacheBustParam, "&=?# ") {
		return fmt.Errorf("probe.cache_bust_param %q is not a valid query key", c.Probe.CacheBustParam)
	}

	if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
		return errors.New("control.bind_port must be in 1..65535")
	}
	if c.Control.RateLimit.PerSecond < 0 || c.Control.RateLimit.Burst < 0 {
		return errors.New("control.rate_limit values must be > 0")
	}
	for _, origin := range c.Control.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if err := validateURL(origin); err != nil {
			return fmt.Errorf("control.allowed_origins: %w", err)
		}
	}

	if c.Schedule.StartupDelay.Duration() < 0 {
		return errors.New("schedule.startup_delay must be >= 0")
	}
	if c.Schedule.Interval.Min.Duration() < minScheduleInterval {
		return fmt.Errorf("schedule.interval.min must be >= %s", minScheduleInterval)
	}
	if c.Schedule.Interval.Max < c.Schedule.Interval.Min {
		return errors.New("schedule.interval.max must be >= schedule.interval.min")
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil || lvl == zerolog.NoLevel {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	return nil
}

// SpeedtestEndpoint converts the endpoint section for the engine.
func (c Config) SpeedtestEndpoint() speedtest.EndpointConfig {
	return speedtest.EndpointConfig{
		PingURL:           c.Endpoint.PingURL,
		DownloadURL:       c.Endpoint.DownloadURL,
		UploadURL:         c.Endpoint.UploadURL,
		PayloadSizeBytes:  c.Endpoint.PayloadSizeBytes,
		DownloadSizeBytes: c.Endpoint.DownloadSizeBytes,
	}
}

// SpeedtestProbe converts the probe section for speedtest.NewHTTPProbe.
func (c Config) SpeedtestProbe() speedtest.ProbeConfig {
	mode := speedtest.UploadMultipart
	if c.Probe.UploadMode == "raw" {
		mode = speedtest.UploadRaw
	}
	return speedtest.ProbeConfig{
		Timeout:            c.Probe.TimeoutDuration(),
		UserAgent:          c.Probe.UserAgent,
		CacheBustParam:     c.Probe.CacheBustParam,
		UploadMode:         mode,
		UploadField:        c.Probe.UploadField,
		UploadFilename:     c.Probe.UploadFilename,
		InsecureSkipVerify: c.Probe.InsecureSkipVerify,
		HTTP2:              util.BoolValue(c.Probe.HTTP2, defaultHTTP2),
	}
}

// Basis returns the configured throughput basis.
func (c Config) Basis() speedtest.ThroughputBasis {
	basis, _ := speedtest.ParseThroughputBasis(c.Probe.ThroughputBasis)
	return basis
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func testFileNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateControl checks the settings only the control server needs.
func (c Config) ValidateControl() error {
	if strings.TrimSpace(c.Control.AuthToken) == "" {
		return errors.New("control.auth_token is required")
	}
	return nil
}

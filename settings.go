package httpclient

import (
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/prxssh/httpclient/internal/backoff"
	"github.com/prxssh/httpclient/internal/dial"
	"github.com/prxssh/httpclient/internal/metrics"
	"github.com/prxssh/httpclient/pkg/logging"
)

// Settings configures a Client. Construct one with DefaultSettings, or
// with NewSettings and a list of Option values.
type Settings struct {
	MaxIdleTime            time.Duration
	MaxParallelConnections int
	MaxPipelinedRequests   int
	MaxRedirects           int
	MaxAttempts            int
	MaxConnectAttempts     int

	ConnectTimeout     time.Duration
	SoftConnectTimeout time.Duration

	RequestTimeout         time.Duration
	RequestAbsoluteTimeout time.Duration
	DNSLookupTimeout       time.Duration
	ContinueTimeout        time.Duration

	ProxyURL        *url.URL
	ProxyUsername   string
	ProxyPassword   string
	ProxySocketPath string

	UserAgent string
	RawlogDir string
	Debug     bool

	PipeliningAllowNonidempotent bool
	RetryOn5xx                   bool

	TLSConfig *tls.Config
	Resolver  *net.Resolver
	Dialer    *dial.Dialer

	Logger            *slog.Logger
	MetricsNamespace  string
	MetricsRegisterer prometheus.Registerer

	backoffInitial time.Duration
	backoffMax     time.Duration
}

// DefaultSettings returns the engine's defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIdleTime:            60 * time.Second,
		MaxParallelConnections: 4,
		MaxPipelinedRequests:   16,
		MaxRedirects:           10,
		MaxAttempts:            3,
		MaxConnectAttempts:     0, // 0 = unlimited, bounded by IP-list exhaustion instead

		ConnectTimeout:     30 * time.Second,
		SoftConnectTimeout: 0, // disabled by default

		RequestTimeout:         0, // 0 = no overall deadline unless set per request via SetTimeout
		RequestAbsoluteTimeout: 0, // 0 = no overall timeout
		DNSLookupTimeout:       10 * time.Second,
		ContinueTimeout:        2 * time.Second,

		UserAgent: "httpclient/1.0",
		Debug:     false,

		PipeliningAllowNonidempotent: false,
		RetryOn5xx:                   false,

		Resolver: net.DefaultResolver,
		Dialer:   dial.New(),

		Logger: slog.New(logging.NewHandler(defaultLogWriter, nil)),

		backoffInitial: backoff.DefaultInitial,
		backoffMax:     backoff.DefaultMax,
	}
}

// Option mutates a Settings value being built up by NewSettings.
type Option func(*Settings)

// NewSettings applies opts on top of DefaultSettings.
func NewSettings(opts ...Option) Settings {
	s := DefaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.Debug || s.RawlogDir != "" {
		s.Logger = slog.New(logging.NewHandler(defaultLogWriter, &debugLogOptions))
	}
	return s
}

func WithMaxParallelConnections(n int) Option {
	return func(s *Settings) { s.MaxParallelConnections = n }
}

func WithMaxPipelinedRequests(n int) Option {
	return func(s *Settings) { s.MaxPipelinedRequests = n }
}

func WithMaxRedirects(n int) Option { return func(s *Settings) { s.MaxRedirects = n } }

func WithMaxAttempts(n int) Option { return func(s *Settings) { s.MaxAttempts = n } }

func WithMaxConnectAttempts(n int) Option {
	return func(s *Settings) { s.MaxConnectAttempts = n }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Settings) { s.ConnectTimeout = d }
}

func WithSoftConnectTimeout(d time.Duration) Option {
	return func(s *Settings) { s.SoftConnectTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Settings) { s.RequestTimeout = d }
}

func WithRequestAbsoluteTimeout(d time.Duration) Option {
	return func(s *Settings) { s.RequestAbsoluteTimeout = d }
}

func WithMaxIdleTime(d time.Duration) Option { return func(s *Settings) { s.MaxIdleTime = d } }

func WithProxy(rawURL, username, password string) Option {
	return func(s *Settings) {
		u, err := url.Parse(rawURL)
		if err == nil {
			s.ProxyURL = u
		}
		s.ProxyUsername = username
		s.ProxyPassword = password
	}
}

func WithProxySocketPath(path string) Option {
	return func(s *Settings) { s.ProxySocketPath = path }
}

func WithUserAgent(ua string) Option { return func(s *Settings) { s.UserAgent = ua } }

func WithDebug(debug bool) Option { return func(s *Settings) { s.Debug = debug } }

func WithRawlogDir(dir string) Option { return func(s *Settings) { s.RawlogDir = dir } }

func WithPipeliningAllowNonidempotent(allow bool) Option {
	return func(s *Settings) { s.PipeliningAllowNonidempotent = allow }
}

func WithRetryOn5xx(retry bool) Option { return func(s *Settings) { s.RetryOn5xx = retry } }

func WithTLSConfig(cfg *tls.Config) Option { return func(s *Settings) { s.TLSConfig = cfg } }

func WithLogger(l *slog.Logger) Option { return func(s *Settings) { s.Logger = l } }

func WithMetrics(namespace string, reg prometheus.Registerer) Option {
	return func(s *Settings) {
		s.MetricsNamespace = namespace
		s.MetricsRegisterer = reg
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(s *Settings) {
		s.backoffInitial = initial
		s.backoffMax = max
	}
}

func (s Settings) newMetrics() *metrics.Metrics {
	if s.MetricsRegisterer == nil {
		return metrics.Noop()
	}
	return metrics.New(s.MetricsNamespace, s.MetricsRegisterer)
}

func (s Settings) newBackoff() *backoff.Backoff {
	return backoff.New(s.backoffInitial, s.backoffMax)
}

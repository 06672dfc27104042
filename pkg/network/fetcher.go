// Package network provides the live fetch capability used by the offline shim.
//
// A fetch either yields an HTTP response (any status, including 4xx/5xx) or
// a *NetworkError when no response could be obtained. Callers distinguish
// the two with errors.Is(err, ErrConnectivity).
package network

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for network operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shim_network_requests_total",
		Help: "Total network fetches by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shim_network_request_duration_seconds",
		Help:    "Network fetch duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shim_network_errors_total",
		Help: "Total network fetch errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shim_network_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shim_network_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Fetcher performs live network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RetryingFetcher is a Fetcher that can retry transient failures.
type RetryingFetcher interface {
	Fetcher
	FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config holds the fetcher configuration.
type Config struct {
	// UserAgent is set on requests that carry none
	UserAgent string

	// Timeout bounds a single request (0 = no timeout)
	Timeout time.Duration

	// Retry applies to FetchWithRetry only
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// HTTPFetcher is the default Fetcher over net/http.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new HTTP fetcher.
func New(cfg Config) (*HTTPFetcher, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be >= 0 (got %d)", cfg.Retry.MaxAttempts)
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: log.With().Str("component", "network").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Fetch performs one request. HTTP error statuses are returned as
// responses; only transport failures produce an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	out := req.Clone(ctx)
	out.RequestURI = ""
	if f.config.UserAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.httpClient.Do(out)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		f.logger.Debug().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("Network fetch failed")
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if class := ClassifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
	}

	return resp, nil
}

// FetchWithRetry fetches req, retrying connectivity failures and 5xx
// statuses per the configured RetryConfig. A final 5xx is returned as a
// *StatusError wrapped in ErrRetryExhausted; 4xx responses are returned
// as-is without retry.
func (f *HTTPFetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response

	err := retryWithBackoff(ctx, f.config.Retry, func() error {
		r, err := f.Fetch(ctx, req)
		if err != nil {
			return err
		}

		if class := ClassifyStatus(r.StatusCode); shouldRetry(class) {
			r.Body.Close()
			return &StatusError{
				StatusCode: r.StatusCode,
				ErrorClass: class,
				URL:        req.URL.String(),
				Message:    r.Status,
			}
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

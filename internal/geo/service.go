package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/reliability"
)

const (
	DefaultServiceURL = "http://ip-api.com/json/"
	// DefaultFields selects every field the free endpoint offers
	DefaultFields = "66846719"
)

var (
	ErrLookupFailed  = errors.New("location lookup failed")
	ErrQueryRejected = errors.New("lookup service rejected query")
)

// StatusError is a non-2xx response from the lookup service
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lookup service returned HTTP %d", e.Code)
}

// ServiceResult is the subset of the service response that is used
type ServiceResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Query     string `json:"query"`
	Continent string `json:"continent"`
	Country   string `json:"country"`
	Region    string `json:"region"`
	City      string `json:"city"`
	Org       string `json:"org"`
	AS        string `json:"as"`
}

// Attributes returns the location tuple of the result
func (r ServiceResult) Attributes() Attributes {
	return Attributes{
		Org:       r.Org,
		Continent: r.Continent,
		Country:   r.Country,
		Region:    r.Region,
		City:      r.City,
	}
}

// ServiceConfig holds lookup service client configuration
type ServiceConfig struct {
	BaseURL           string
	Fields            string
	Timeout           time.Duration
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
	InitialBackoff    time.Duration
	BreakerThreshold  int
	BreakerTimeout    time.Duration
	HTTPClient        *http.Client
}

// ServiceClient queries the JSON lookup service. Every HTTP request,
// including retries, waits on the rate limiter. Only 500, 502, 503 and 504
// responses and transport errors are retried.
type ServiceClient struct {
	baseURL string
	fields  string
	http    *http.Client
	limiter *rate.Limiter
	retry   reliability.RetryConfig
	breaker *reliability.CircuitBreaker
	metrics *metrics.Collector
	logger  *logging.Logger
}

// NewServiceClient creates a service client
func NewServiceClient(cfg ServiceConfig, m *metrics.Collector, logger *logging.Logger) *ServiceClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultServiceURL
	}
	if cfg.Fields == "" {
		cfg.Fields = DefaultFields
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 45
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("geo-service")

	c := &ServiceClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		fields:  cfg.Fields,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.Burst),
		metrics: m,
		logger:  logger,
	}
	c.retry = reliability.RetryConfig{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.Timeout,
		Multiplier:     2,
		OnRetry: func(attempt int, backoff time.Duration, err error) {
			logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying lookup")
		},
	}
	c.breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		OpenTimeout:      cfg.BreakerTimeout,
		IsFailure: func(err error) bool {
			return !errors.Is(err, ErrQueryRejected)
		},
		OnStateChange: func(from, to reliability.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Lookup service breaker changed state")
		},
	})
	return c
}

// Query looks up one IP. Errors wrap ErrLookupFailed.
func (c *ServiceClient) Query(ctx context.Context, ip string) (ServiceResult, error) {
	var result ServiceResult
	err := c.breaker.Execute(func() error {
		return reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
			r, err := c.do(ctx, ip)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return ServiceResult{}, fmt.Errorf("%w: %s: %w", ErrLookupFailed, ip, err)
	}
	return result, nil
}

// Breaker exposes the client's circuit breaker state
func (c *ServiceClient) Breaker() reliability.State {
	return c.breaker.State()
}

func (c *ServiceClient) do(ctx context.Context, ip string) (ServiceResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ServiceResult{}, reliability.Permanent(err)
	}

	u := c.baseURL + url.PathEscape(ip) + "?fields=" + url.QueryEscape(c.fields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ServiceResult{}, reliability.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("error")
		return ServiceResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case isRetryableStatus(resp.StatusCode):
		io.Copy(io.Discard, resp.Body)
		c.observe("retryable")
		return ServiceResult{}, &StatusError{Code: resp.StatusCode}
	default:
		c.observe("rejected")
		return ServiceResult{}, reliability.Permanent(&StatusError{Code: resp.StatusCode})
	}

	var result ServiceResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		c.observe("invalid")
		return ServiceResult{}, reliability.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if result.Status != "" && result.Status != "success" {
		c.observe("fail")
		return ServiceResult{}, reliability.Permanent(fmt.Errorf("%w: %s", ErrQueryRejected, result.Message))
	}

	c.observe("ok")
	if result.Query == "" {
		result.Query = ip
	}
	return result, nil
}

func (c *ServiceClient) observe(status string) {
	if c.metrics != nil {
		c.metrics.ServiceRequests.WithLabelValues(status).Inc()
	}
}

package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"
	"github.com/vadosdog/multipleWebSocketServer/pkg/metrics"
)

// maxResponseBytes caps how much of a verification response is read.
const maxResponseBytes = 1 << 20

// Verifier performs the remote verification call and returns the response body.
type Verifier interface {
	Verify(ctx context.Context, req Request, bearer string) ([]byte, error)
}

type HTTPVerifierConfig struct {
	Timeout     time.Duration
	MaxFailures uint32
	OpenTimeout time.Duration
	BreakerName string
	HTTPClient  *http.Client
}

// statusError is a completed exchange that returned a non-2xx status.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.url)
}

// HTTPVerifier POSTs the credential as a bearer token with the request params as
// multipart form fields. Each destination host has its own circuit breaker, tripped only
// by transport errors and 5xx replies; a 4xx is the endpoint answering and never trips it.
type HTTPVerifier struct {
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	settings gobreaker.Settings

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

func NewHTTPVerifier(logger *slog.Logger, cfg HTTPVerifierConfig) *HTTPVerifier {
	client := cfg.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	name := cfg.BreakerName
	if name == "" {
		name = "credential-verifier"
	}
	logger = logger.With(slog.String("component", "http_verifier"))

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Verifier circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &HTTPVerifier{
		client:   client,
		timeout:  cfg.Timeout,
		logger:   logger,
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

var _ Verifier = (*HTTPVerifier)(nil)

func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *statusError
	return errors.As(err, &se) && se.code < http.StatusInternalServerError
}

// breaker returns the circuit breaker for the host of rawURL, creating it on first use.
func (v *HTTPVerifier) breaker(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	v.breakersMu.Lock()
	defer v.breakersMu.Unlock()
	cb, ok := v.breakers[host]
	if !ok {
		settings := v.settings
		settings.Name = v.settings.Name + ":" + host
		cb = gobreaker.NewCircuitBreaker(settings)
		v.breakers[host] = cb
	}
	return cb
}

func (v *HTTPVerifier) Verify(ctx context.Context, req Request, bearer string) ([]byte, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	target := normalizeURL(req.URL)
	start := time.Now()
	body, err := v.breaker(target).Execute(func() (interface{}, error) {
		return v.do(ctx, target, req.Params, bearer)
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.VerifyLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationTransport, err)
	}
	return body.([]byte), nil
}

func (v *HTTPVerifier) do(ctx context.Context, target string, params map[string]string, bearer string) ([]byte, error) {
	form, contentType, err := encodeForm(params)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, form)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, url: target}
	}
	v.logger.Debug("Verification call completed", slog.String("url", target), slog.Int("status", resp.StatusCode))
	return body, nil
}

func encodeForm(params map[string]string) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, params[k]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func normalizeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "http://" + u
}

// Package datasync exchanges Bundles with a remote FHIR server.
package datasync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/fhirmap/internal/platform/fhir"
)

const fhirJSON = "application/fhir+json"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// DataSource retrieves and submits FHIR data over the network. Both calls
// return the server's resource: a Bundle on success, or an *OutcomeError when
// the server answered with an OperationOutcome.
type DataSource interface {
	// Download fetches a search URL relative to the base, e.g.
	// "Patient?_lastUpdated=gt2024-01-01". The result is a searchset Bundle.
	Download(ctx context.Context, path string) (*fhir.RawResource, error)
	// Upload posts a batch or transaction Bundle to the base URL. The result
	// is the response Bundle.
	Upload(ctx context.Context, bundle []byte) (*fhir.RawResource, error)
}

// Option configures an HTTPDataSource.
type Option func(*HTTPDataSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDataSource) { d.client = c }
}

// WithRateLimit allows rps requests per second with the given burst. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *HTTPDataSource) {
		if rps <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBearerToken sends an Authorization header on every request.
func WithBearerToken(token string) Option {
	return func(d *HTTPDataSource) { d.token = token }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *HTTPDataSource) { d.logger = logger }
}

// HTTPDataSource is a DataSource backed by a FHIR REST server.
type HTTPDataSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	token   string
	logger  zerolog.Logger
}

var _ DataSource = (*HTTPDataSource)(nil)

// NewHTTPDataSource creates a data source for the server at baseURL. By
// default requests time out after 30s and are limited to 10 per second.
func NewHTTPDataSource(baseURL string, opts ...Option) *HTTPDataSource {
	d := &HTTPDataSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(10, 1),
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *HTTPDataSource) Download(ctx context.Context, path string) (*fhir.RawResource, error) {
	url := d.baseURL + "/" + strings.TrimLeft(path, "/")
	return d.do(ctx, http.MethodGet, url, nil)
}

func (d *HTTPDataSource) Upload(ctx context.Context, bundle []byte) (*fhir.RawResource, error) {
	b, err := fhir.ParseBundle(bundle)
	if err != nil {
		return nil, err
	}
	if b.Type != "batch" && b.Type != "transaction" {
		return nil, fmt.Errorf("upload: bundle type must be batch or transaction, got %q", b.Type)
	}
	return d.do(ctx, http.MethodPost, d.baseURL, bundle)
}

func (d *HTTPDataSource) do(ctx context.Context, method, url string, body []byte) (*fhir.RawResource, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, url, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	d.logger.Debug().Str("method", method).Str("url", url).Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).Msg("fhir request")

	res, err := fhir.ParseRawResource(data)
	if err != nil {
		// Not FHIR at all, e.g. a proxy error page.
		return nil, &TransportError{Method: method, URL: url, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unreadable response: %w", err)}
	}
	if oo := res.Outcome(); oo != nil && (oo.HasErrors() || resp.StatusCode >= 400) {
		return nil, &OutcomeError{StatusCode: resp.StatusCode, Outcome: oo}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{Method: method, URL: url, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected %s response", res.ResourceType)}
	}
	return res, nil
}

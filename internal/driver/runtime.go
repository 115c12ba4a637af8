package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/dynsched/pkg/schema"
)

// ErrNotFound is returned when the runtime does not know the service.
var ErrNotFound = errors.New("service not found")

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultTimeout         = 10 * time.Second
)

// Service is what the runtime reports about a managed service.
type Service struct {
	ID       string              `json:"id"`
	State    schema.ServiceState `json:"state"`
	Endpoint string              `json:"endpoint,omitempty"`
}

// Runtime is the external layer that actually runs services.
type Runtime interface {
	CreateService(ctx context.Context, id string, data map[string]any) (*Service, error)
	RemoveService(ctx context.Context, id string) error
	ServiceStatus(ctx context.Context, id string) (schema.ServiceState, error)
}

// StatusError is a non-2xx answer from the runtime.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// HTTPConfig configures HTTPRuntime.
type HTTPConfig struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	MaxResponseBody int64
	Client          *http.Client
}

// HTTPRuntime talks to a runtime exposing /services/{id} over HTTP:
// PUT creates, DELETE removes, GET reports status.
type HTTPRuntime struct {
	base   *url.URL
	config HTTPConfig
	client *http.Client
}

// NewHTTPRuntime validates cfg and returns a client.
func NewHTTPRuntime(cfg HTTPConfig) (*HTTPRuntime, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "runtime: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPRuntime{base: u, config: cfg, client: client}, nil
}

func (r *HTTPRuntime) CreateService(ctx context.Context, id string, data map[string]any) (*Service, error) {
	if data == nil {
		data = map[string]any{}
	}
	var out Service
	if err := r.do(ctx, http.MethodPut, id, map[string]any{"data": data}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

func (r *HTTPRuntime) RemoveService(ctx context.Context, id string) error {
	return r.do(ctx, http.MethodDelete, id, nil, nil)
}

// ServiceStatus returns the live state of id. An unknown service is
// reported as ErrNotFound, not as STOPPED; callers decide.
func (r *HTTPRuntime) ServiceStatus(ctx context.Context, id string) (schema.ServiceState, error) {
	var out Service
	if err := r.do(ctx, http.MethodGet, id, nil, &out); err != nil {
		return "", err
	}
	switch out.State {
	case schema.ServiceRunning, schema.ServiceStopped:
		return out.State, nil
	default:
		return schema.ServiceUnknown, nil
	}
}

func (r *HTTPRuntime) do(ctx context.Context, method, id string, body, dst any) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "runtime: empty service id")
	}
	path := r.base.JoinPath("services", id)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", method, err)
		}
		reader = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, path.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxResponseBody))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path.Path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &StatusError{
			Method: method,
			Path:   path.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
		}
	}

	if dst == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path.Path, err)
	}
	return nil
}

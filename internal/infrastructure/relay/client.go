package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/retry"

	"go.uber.org/zap"
)

// SecretHeader carries the federation shared secret.
const SecretHeader = "X-Relay-Secret"

type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	SharedSecret string
}

// StatusError is a non-2xx answer from a federated server. It is never
// retried.
type StatusError struct {
	Route  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Route, e.Status, e.Body)
}

// Client calls the /pipe routes of federated servers.
type Client struct {
	cfg    Config
	http   *http.Client
	retry  retry.Config
	logger *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		retry: retry.Config{
			MaxAttempts:  cfg.MaxRetries + 1,
			InitialDelay: cfg.RetryBase,
			MaxDelay:     10 * cfg.RetryBase,
			Multiplier:   2,
			Retryable:    isNetworkError,
		},
		logger: logger,
	}
}

// isNetworkError reports whether the request never got an answer.
func isNetworkError(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Client) CreatePipe(ctx context.Context, dest domain.Destination, req domain.CreatePipeRequest) (domain.CreatePipeResponse, error) {
	var resp domain.CreatePipeResponse
	if err := c.post(ctx, dest, "/pipe/create", req, &resp); err != nil {
		return domain.CreatePipeResponse{}, err
	}
	if resp.ID == "" || resp.Port == 0 {
		return domain.CreatePipeResponse{}, fmt.Errorf("%s/pipe/create returned an incomplete transport", dest)
	}
	return resp, nil
}

func (c *Client) ConnectPipe(ctx context.Context, dest domain.Destination, req domain.ConnectPipeRequest) error {
	return c.post(ctx, dest, "/pipe/connect", req, nil)
}

func (c *Client) PipeProducer(ctx context.Context, dest domain.Destination, req domain.PipeProducerRequest) error {
	return c.post(ctx, dest, "/pipe/pipe-producer", req, nil)
}

func (c *Client) CloseRoom(ctx context.Context, dest domain.Destination, req domain.CloseRoomRequest) error {
	return c.post(ctx, dest, "/pipe/close", req, nil)
}

func (c *Client) post(ctx context.Context, dest domain.Destination, route string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", route, err)
	}
	url := strings.TrimRight(string(dest), "/") + route

	return retry.Do(ctx, c.retry, func(attempt int) error {
		if attempt > 0 {
			c.logger.Debugw("retrying relay request", "destination", dest, "route", route, "attempt", attempt+1)
		}
		return c.do(ctx, url, route, payload, out)
	})
}

func (c *Client) do(ctx context.Context, url, route string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.SharedSecret != "" {
		req.Header.Set(SecretHeader, c.cfg.SharedSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Route: route, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", route, err)
	}
	return nil
}

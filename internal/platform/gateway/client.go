// Package gateway is the REST and WebSocket client for the broker execution
// gateway. Reads are retried with backoff; order submission is sent exactly
// once and relies on the client order ID for idempotency.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/ledgersync/internal/crypto"
	"github.com/alanyoungcy/ledgersync/internal/domain"
)

const (
	defaultMaxRetries = 3
	baseRetryWait     = 250 * time.Millisecond
)

// Config configures a gateway Client.
type Config struct {
	BaseURL           string
	AccountID         string
	APIToken          string
	HMACSecret        string
	RequestsPerSecond float64
	MaxRetries        int
	Timeout           time.Duration
}

// Client is the REST client for the broker execution gateway.
type Client struct {
	baseURL    string
	account    string
	token      string
	signer     *crypto.RequestSigner
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryWait  time.Duration
	logger     *slog.Logger
}

// Compile-time interface check.
var _ domain.BrokerGateway = (*Client)(nil)

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var signer *crypto.RequestSigner
	if cfg.HMACSecret != "" {
		signer = &crypto.RequestSigner{Key: cfg.AccountID, Secret: cfg.HMACSecret}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		account:    cfg.AccountID,
		token:      cfg.APIToken,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		maxRetries: retries,
		retryWait:  baseRetryWait,
		logger:     logger.With(slog.String("component", "gateway")),
	}
}

// Positions returns every live position on the account.
func (c *Client) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var rows []GatewayPosition
	if err := c.getJSON(ctx, c.accountPath("/positions"), nil, &rows); err != nil {
		return nil, fmt.Errorf("gateway: positions: %w", err)
	}
	now := time.Now().UTC()
	out := make([]domain.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToPosition(now))
	}
	return out, nil
}

// OpenOrders returns the account's working orders.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	q := url.Values{}
	q.Set("status", "working")
	var rows []GatewayOrder
	if err := c.getJSON(ctx, c.accountPath("/orders"), q, &rows); err != nil {
		return nil, fmt.Errorf("gateway: open orders: %w", err)
	}
	out := make([]domain.BrokerOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToOrder())
	}
	return out, nil
}

// Order fetches a single order by broker ID.
func (c *Client) Order(ctx context.Context, orderID string) (domain.BrokerOrder, error) {
	var row GatewayOrder
	if err := c.getJSON(ctx, c.accountPath("/orders/"+url.PathEscape(orderID)), nil, &row); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("gateway: order %s: %w", orderID, err)
	}
	return row.ToOrder(), nil
}

// OrderByClientID finds the order submitted with the given client order ID.
func (c *Client) OrderByClientID(ctx context.Context, clientOrderID string) (domain.BrokerOrder, error) {
	q := url.Values{}
	q.Set("client_order_id", clientOrderID)
	var rows []GatewayOrder
	if err := c.getJSON(ctx, c.accountPath("/orders"), q, &rows); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("gateway: order by client id %s: %w", clientOrderID, err)
	}
	for _, r := range rows {
		if r.ClientOrderID == clientOrderID {
			return r.ToOrder(), nil
		}
	}
	return domain.BrokerOrder{}, fmt.Errorf("gateway: order by client id %s: %w", clientOrderID, domain.ErrNotFound)
}

// SubmitMarketOrder posts a market order once. A transport failure leaves the
// outcome unknown and is returned as-is so the caller can look the order up
// by client order ID later. A duplicate client order ID returns the order the
// gateway already holds.
func (c *Client) SubmitMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (domain.BrokerOrder, error) {
	status, body, err := c.do(ctx, http.MethodPost, c.accountPath("/orders"), nil, newOrderRequest(req))
	if err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("gateway: submit %s: %w", req.ClientOrderID, err)
	}

	switch {
	case status == http.StatusConflict:
		c.logger.Info("duplicate client order id, fetching existing order",
			slog.String("client_order_id", req.ClientOrderID),
		)
		return c.OrderByClientID(ctx, req.ClientOrderID)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		apiErr := decodeError(body)
		return domain.BrokerOrder{}, fmt.Errorf("gateway: submit %s: %s: %w",
			req.ClientOrderID, apiErr.Error, domain.ErrOrderRejected)
	}
	if err := checkStatus(status, body); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("gateway: submit %s: %w", req.ClientOrderID, err)
	}

	var row GatewayOrder
	if err := json.Unmarshal(body, &row); err != nil {
		return domain.BrokerOrder{}, fmt.Errorf("gateway: submit %s: decode: %w", req.ClientOrderID, err)
	}
	order := row.ToOrder()
	if order.Status == domain.OrderStatusRejected {
		return order, fmt.Errorf("gateway: submit %s: %s: %w",
			req.ClientOrderID, order.RejectReason, domain.ErrOrderRejected)
	}
	return order, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) accountPath(suffix string) string {
	return "/accounts/" + url.PathEscape(c.account) + suffix
}

// getJSON performs an idempotent GET, retrying transport errors, 429 and
// 5xx responses with exponential backoff. Other 4xx responses fail fast.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return err
			}
		}

		status, body, err := c.do(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			c.logger.Warn("gateway request failed, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = checkStatus(status, body)
			c.logger.Warn("gateway returned retryable status",
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
			)
			continue
		}

		if err := checkStatus(status, body); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}

// do builds, signs, sends and reads a single request.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody any) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.signer.Apply(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	wait := c.retryWait << attempt
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Status  int
	Message string
	Code    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: HTTP %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway: HTTP %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the domain sentinel errors.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusConflict:
		return domain.ErrAlreadyExists
	default:
		return nil
	}
}

// IsRetryable reports whether err is a response worth retrying.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	return false
}

// checkStatus maps non-2xx HTTP status codes to a *StatusError.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	apiErr := decodeError(body)
	return &StatusError{Status: status, Message: apiErr.Error, Code: apiErr.Code}
}

func decodeError(body []byte) GatewayError {
	var apiErr GatewayError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(body))
	}
	return apiErr
}

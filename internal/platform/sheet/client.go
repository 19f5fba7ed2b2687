// Package sheet implements domain.LedgerStore on top of a spreadsheet values
// API. Each trade is one row; writes are conditional on the row version.
package sheet

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
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/ledgersync/internal/crypto"
	"github.com/alanyoungcy/ledgersync/internal/domain"
)

const maxReadRetries = 3

// SheetRow is one row as returned by the values API.
type SheetRow struct {
	Row     int      `json:"row"`
	Version int64    `json:"version"`
	Values  []string `json:"values"`
}

type rowsResponse struct {
	Rows []SheetRow `json:"rows"`
}

type updateRequest struct {
	Values []string `json:"values"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Version int64  `json:"version,omitempty"`
}

// Config configures a sheet Client.
type Config struct {
	BaseURL           string
	SheetID           string
	Tab               string
	APIToken          string
	HMACSecret        string
	RequestsPerSecond float64
	Timeout           time.Duration
	Location          *time.Location
}

// Client reads and writes trades on a spreadsheet tab.
type Client struct {
	baseURL    string
	sheetID    string
	tab        string
	token      string
	signer     *crypto.RequestSigner
	httpClient *http.Client
	limiter    *rate.Limiter
	loc        *time.Location
	retryWait  time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	rowOf map[string]int // trade ID -> row number
}

// Compile-time interface check.
var _ domain.LedgerStore = (*Client)(nil)

// NewClient creates a sheet client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	var signer *crypto.RequestSigner
	if cfg.HMACSecret != "" {
		signer = &crypto.RequestSigner{Key: cfg.SheetID, Secret: cfg.HMACSecret}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		sheetID:    cfg.SheetID,
		tab:        cfg.Tab,
		token:      cfg.APIToken,
		signer:     signer,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		loc:        loc,
		retryWait:  500 * time.Millisecond,
		logger:     logger.With(slog.String("component", "sheet")),
		rowOf:      make(map[string]int),
	}
}

// ListTrades reads every non-blank row of the tab.
func (c *Client) ListTrades(ctx context.Context) ([]domain.Trade, error) {
	var resp rowsResponse
	if err := c.getJSON(ctx, c.tabPath("/rows"), &resp); err != nil {
		return nil, fmt.Errorf("sheet: list rows: %w", err)
	}

	index := make(map[string]int, len(resp.Rows))
	trades := make([]domain.Trade, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		if blank(r.Values) {
			continue
		}
		t := decodeRow(r, c.loc)
		if t.ID != "" {
			if prev, dup := index[t.ID]; dup {
				c.logger.WarnContext(ctx, "duplicate trade uid",
					slog.String("trade_id", t.ID),
					slog.Int("row", r.Row),
					slog.Int("first_row", prev),
				)
				t.ID = ""
			} else {
				index[t.ID] = r.Row
			}
		}
		trades = append(trades, t)
	}

	c.mu.Lock()
	c.rowOf = index
	c.mu.Unlock()
	return trades, nil
}

// GetTrade reads a single trade by UID.
func (c *Client) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	r, err := c.findRow(ctx, id)
	if err != nil {
		return domain.Trade{}, err
	}
	return decodeRow(r, c.loc), nil
}

// UpdateTrade writes the exit fields of t if the row still carries
// t.Version.
func (c *Client) UpdateTrade(ctx context.Context, t domain.Trade) (domain.Trade, error) {
	current, err := c.findRow(ctx, t.ID)
	if err != nil {
		return domain.Trade{}, err
	}
	if current.Version != t.Version {
		return domain.Trade{}, &domain.WriteConflictError{
			TradeID:         t.ID,
			ExpectedVersion: t.Version,
			ActualVersion:   current.Version,
		}
	}

	body, err := json.Marshal(updateRequest{Values: encodeRow(current.Values, t, c.loc)})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("sheet: marshal row: %w", err)
	}

	path := c.tabPath("/rows/" + strconv.Itoa(current.Row))
	status, respBody, err := c.do(ctx, http.MethodPut, path, body, map[string]string{
		"If-Match": strconv.FormatInt(t.Version, 10),
	})
	if err != nil {
		return domain.Trade{}, fmt.Errorf("sheet: update %s: %w", t.ID, err)
	}

	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed:
		var apiErr errorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		return domain.Trade{}, &domain.WriteConflictError{
			TradeID:         t.ID,
			ExpectedVersion: t.Version,
			ActualVersion:   apiErr.Version,
		}
	}
	if err := checkStatus(status, respBody); err != nil {
		return domain.Trade{}, fmt.Errorf("sheet: update %s: %w", t.ID, err)
	}

	var updated SheetRow
	if err := json.Unmarshal(respBody, &updated); err != nil {
		return domain.Trade{}, fmt.Errorf("sheet: update %s: decode: %w", t.ID, err)
	}
	c.logger.InfoContext(ctx, "ledger row updated",
		slog.String("trade_id", t.ID),
		slog.Int("row", updated.Row),
		slog.Int64("version", updated.Version),
	)
	return decodeRow(updated, c.loc), nil
}

// findRow reads the row holding id, refreshing the row index once when the
// cached position is unknown or points at another trade.
func (c *Client) findRow(ctx context.Context, id string) (SheetRow, error) {
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.RLock()
		n, ok := c.rowOf[id]
		c.mu.RUnlock()

		if ok {
			var r SheetRow
			err := c.getJSON(ctx, c.tabPath("/rows/"+strconv.Itoa(n)), &r)
			switch {
			case err == nil && cell(r.Values, colUID) == id:
				return r, nil
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				return SheetRow{}, fmt.Errorf("sheet: get row %d: %w", n, err)
			}
		}
		if attempt == 0 {
			if _, err := c.ListTrades(ctx); err != nil {
				return SheetRow{}, err
			}
		}
	}
	return SheetRow{}, fmt.Errorf("sheet: trade %s: %w", id, domain.ErrNotFound)
}

func (c *Client) tabPath(suffix string) string {
	return "/v1/sheets/" + url.PathEscape(c.sheetID) + "/tabs/" + url.PathEscape(c.tab) + suffix
}

// getJSON performs a GET, retrying transport errors, 429 and 5xx.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryWait << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		status, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = checkStatus(status, body)
			continue
		}
		if err := checkStatus(status, body); err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d attempts: %w", maxReadRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.signer.Apply(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(body))
	}

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s: %w", apiErr.Error, domain.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s: %w", apiErr.Error, domain.ErrUnauthorized)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s: %w", apiErr.Error, domain.ErrRateLimited)
	default:
		return fmt.Errorf("HTTP %d: %s", status, apiErr.Error)
	}
}

package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"market-data-server/internal/models"
)

// Retry configuration for REST calls.
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// maxKlinesPerRequest is the upstream cap on a single /fapi/v1/klines call.
const maxKlinesPerRequest = 1500

var (
	errShortKlineRow = errors.New("kline row has too few fields")

	// ErrRateLimited is returned when the local limiter denies a request.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstream is returned for upstream 5xx and transport failures after
	// retries are exhausted.
	ErrUpstream = errors.New("upstream unavailable")
)

// Client is the public (unsigned) Binance Futures REST client. It only
// touches market-data endpoints, so no API keys are involved.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewClient creates a REST client against the given base URL.
func NewClient(baseURL string, timeout time.Duration, limiter *RateLimiter) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// GetKlines fetches closed candles for a symbol/interval range. Start and
// end are Unix milliseconds; zero means unset. Results come back ascending
// by open time, as upstream returns them.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]RESTKline, error) {
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	body, err := c.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var klines []RESTKline
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("error parsing klines response: %w", err)
	}
	return klines, nil
}

// ExchangeSymbol is the subset of exchangeInfo the server cares about.
type ExchangeSymbol struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []SymbolFilter `json:"filters"`
}

// SymbolFilter is one exchangeInfo filter entry. Only PRICE_FILTER is read.
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
}

// TickSize returns the PRICE_FILTER tick size, or 0 when absent.
func (s *ExchangeSymbol) TickSize() float64 {
	for _, f := range s.Filters {
		if f.FilterType != "PRICE_FILTER" {
			continue
		}
		if v, ok := parseFloat(f.TickSize); ok && v > 0 {
			return v
		}
	}
	return 0
}

// GetExchangeInfo fetches the tradable symbol for validation when a client
// asks to track a symbol the server has not seen.
func (c *Client) GetExchangeInfo(ctx context.Context, symbol string) (*ExchangeSymbol, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", params)
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []ExchangeSymbol `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchangeInfo response: %w", err)
	}
	if len(info.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not found on exchange", symbol)
	}
	return &info.Symbols[0], nil
}

// ToModel converts an exchangeInfo entry to the tracked-symbol record.
func (s *ExchangeSymbol) ToModel() models.SymbolInfo {
	return models.SymbolInfo{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
		TickSize:   s.TickSize(),
		AddedAt:    time.Now().UnixMilli(),
	}
}

// get performs a rate-limited GET with retries on transient failures.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if wait, ok := c.limiter.Acquire(); !ok {
			return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, wait.Round(time.Millisecond))
		}
	}

	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			// Jitter so concurrent backfill workers don't retry in lockstep.
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("error building request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("upstream request failed")
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
			// 429/418: back off hard and surface as rate limited. Upstream
			// bans escalate fast when ignored.
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if c.limiter != nil {
				c.limiter.Penalize(retryAfter)
			}
			return nil, fmt.Errorf("%w: upstream %d, retry after %s", ErrRateLimited, resp.StatusCode, retryAfter)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(body, 200))
			continue
		default:
			return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, truncate(body, 200))
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

func parseRetryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Minute
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Package binance retrieves canonical kline history from the Binance
// REST API. Every call is gated by the process-wide rate limiter and
// carries its own timeout; failures are classified retryable vs
// terminal so the scheduler can decide what deserves operator
// attention.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"candlesync/services/config"
	"candlesync/services/ratelimit"
	"candlesync/services/series"
)

type Client struct {
	baseURL    string
	maxRecords int
	maxWindow  time.Duration
	timeout    time.Duration
	httpClient *http.Client
	limiter    ratelimit.Limiter
	log        *zap.Logger
}

func NewClient(cfg config.BinanceConfig, limiter ratelimit.Limiter, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRecords: cfg.MaxRecords,
		maxWindow:  cfg.MaxWindow(),
		timeout:    cfg.Timeout(),
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		limiter:    limiter,
		log:        log,
	}
}

// MaxRecords is the provider's per-call record cap (1500 for klines).
func (c *Client) MaxRecords() int { return c.maxRecords }

// MaxWindow is the largest time span requested in one call.
func (c *Client) MaxWindow() time.Duration { return c.maxWindow }

// FetchRange returns klines for key in [start, end), at most limit
// records, ascending. The caller owns chunking and cursor advancement.
func (c *Client) FetchRange(ctx context.Context, key series.Key, start, end time.Time, limit int) ([]series.Candle, error) {
	if limit <= 0 || limit > c.maxRecords {
		limit = c.maxRecords
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &series.FetchError{Kind: series.FetchRetryable, Series: key, Start: start, End: end, Err: err}
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(key.Symbol))
	params.Set("interval", string(key.Granularity))
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	// Binance's endTime is inclusive; the gap range is half-open.
	params.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	params.Set("limit", strconv.Itoa(limit))

	reqURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, params.Encode())

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &series.FetchError{Kind: series.FetchTerminal, Series: key, Start: start, End: end, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and transport failures resolve on their own.
		return nil, &series.FetchError{Kind: series.FetchRetryable, Series: key, Start: start, End: end, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := series.FetchTerminal
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = series.FetchRetryable
		}
		return nil, &series.FetchError{
			Kind: kind, Series: key, Start: start, End: end,
			Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var raw [][]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &series.FetchError{Kind: series.FetchTerminal, Series: key, Start: start, End: end, Err: fmt.Errorf("decode klines: %w", err)}
	}

	out := make([]series.Candle, 0, len(raw))
	for _, row := range raw {
		candle, err := parseKline(row)
		if err != nil {
			return nil, &series.FetchError{Kind: series.FetchTerminal, Series: key, Start: start, End: end, Err: err}
		}
		out = append(out, candle)
	}

	c.log.Debug("fetched klines",
		zap.String("series", key.String()),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("records", len(out)))
	return out, nil
}

// Binance kline columns:
// 0 open time(ms), 1 open, 2 high, 3 low, 4 close, 5 volume,
// 6 close time(ms), 7 quote volume, 8 trades, 9-11 unused here.
func parseKline(row []any) (series.Candle, error) {
	if len(row) < 9 {
		return series.Candle{}, fmt.Errorf("kline row has %d fields, want >= 9", len(row))
	}

	openMs, err := asInt64(row[0])
	if err != nil {
		return series.Candle{}, fmt.Errorf("kline open time: %w", err)
	}

	var prices [5]decimal.Decimal
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return series.Candle{}, fmt.Errorf("kline field %d: expected string, got %T", i, row[i])
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return series.Candle{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		prices[i-1] = d
	}

	trades, err := asInt64(row[8])
	if err != nil {
		return series.Candle{}, fmt.Errorf("kline trades: %w", err)
	}

	return series.Candle{
		Timestamp: time.UnixMilli(openMs).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
		Trades:    uint64(trades),
	}, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, errors.New("not a number")
}

// binanceSymbol maps internal symbols ("BTC-USDT", "BTC-USDT-PERP") to
// the exchange spelling ("BTCUSDT"). Plain symbols pass through.
func binanceSymbol(symbol string) string {
	s := strings.TrimSuffix(symbol, "-PERP")
	return strings.ReplaceAll(s, "-", "")
}

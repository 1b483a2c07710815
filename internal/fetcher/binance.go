package fetcher

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const klinesPath = "/fapi/v1/klines"

// ninetyDayCandles is how many daily candles cover the 90-day window.
const ninetyDayCandles = 90

// BinanceOptions parameterise the kline backfill fetcher.
type BinanceOptions struct {
	BaseURL       string
	KlineInterval string
	Limit         int
	Timeout       time.Duration
	UserAgent     string
}

// Binance fetches historical klines from the futures REST API.
type Binance struct {
	opts    BinanceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewBinance constructs a kline backfill fetcher.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.KlineInterval == "" {
		opts.KlineInterval = "1d"
	}
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}

	return &Binance{
		opts:    opts,
		logger:  logger.With().Str("component", "backfill_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchExtremes pulls daily klines for the symbol and reduces them to
// overall and 90-day extrema.
func (b *Binance) FetchExtremes(ctx context.Context, symbol string) (Extremes, error) {
	if symbol == "" {
		return Extremes{}, errors.New("symbol required")
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", b.opts.KlineInterval)
	query.Set("limit", strconv.Itoa(b.opts.Limit))

	endpoint := b.baseURL + klinesPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Extremes{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Extremes{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Extremes{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Extremes{}, parseHTTPError(resp.StatusCode, payload)
	}

	candles, err := parseKlines(payload)
	if err != nil {
		return Extremes{}, err
	}
	if len(candles) == 0 {
		return Extremes{}, fmt.Errorf("no klines returned for %s", symbol)
	}

	extremes := reduceExtremes(candles)
	b.logger.Info().
		Str("symbol", symbol).
		Int("candles", len(candles)).
		Str("high", extremes.High.String()).
		Str("low", extremes.Low.String()).
		Msg("seeded extrema from klines")
	return extremes, nil
}

type candle struct {
	High decimal.Decimal
	Low  decimal.Decimal
}

// parseKlines decodes the upstream kline rows. Each row is a mixed
// array; index 2 is the high and index 3 the low, both as strings.
// Extra columns are ignored.
func parseKlines(payload []byte) ([]candle, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 4 {
			return nil, fmt.Errorf("kline row %d too short", i)
		}
		high, err := decimalField(row[2])
		if err != nil {
			return nil, fmt.Errorf("kline row %d high: %w", i, err)
		}
		low, err := decimalField(row[3])
		if err != nil {
			return nil, fmt.Errorf("kline row %d low: %w", i, err)
		}
		candles = append(candles, candle{High: high, Low: low})
	}
	return candles, nil
}

func decimalField(v interface{}) (decimal.Decimal, error) {
	switch value := v.(type) {
	case string:
		return decimal.NewFromString(value)
	case float64:
		return decimal.NewFromFloat(value), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected field type %T", v)
	}
}

func reduceExtremes(candles []candle) Extremes {
	extremes := Extremes{
		High: candles[0].High,
		Low:  candles[0].Low,
	}
	for _, c := range candles[1:] {
		if c.High.GreaterThan(extremes.High) {
			extremes.High = c.High
		}
		if c.Low.LessThan(extremes.Low) {
			extremes.Low = c.Low
		}
	}

	recent := candles
	if len(candles) > ninetyDayCandles {
		recent = candles[len(candles)-ninetyDayCandles:]
	}
	extremes.High90d = recent[0].High
	extremes.Low90d = recent[0].Low
	for _, c := range recent[1:] {
		if c.High.GreaterThan(extremes.High90d) {
			extremes.High90d = c.High
		}
		if c.Low.LessThan(extremes.Low90d) {
			extremes.Low90d = c.Low
		}
	}
	return extremes
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("klines api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("klines api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("klines api error (%d)", status)
}

var _ Backfiller = (*Binance)(nil)

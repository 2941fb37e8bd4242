package market

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"crypto-sim-backend/internal/config"
	"crypto-sim-backend/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// quoteAsset is appended to catalog symbols to form upstream pairs,
// e.g. BTC -> BTCUSDT.
const quoteAsset = "USDT"

// BinanceProvider implements PriceProvider against the Binance public
// market-data API. Only unauthenticated endpoints are used.
type BinanceProvider struct {
	client  *resty.Client
	logger  *zap.Logger
	limiter *rate.Limiter
	timeout time.Duration

	// available flips on probe results so IsAvailable stays cheap.
	available atomic.Bool
}

var _ PriceProvider = (*BinanceProvider)(nil)

// NewBinanceProvider creates a provider from config.
func NewBinanceProvider(cfg *config.Binance, logger *zap.Logger) *BinanceProvider {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	p := &BinanceProvider{
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	p.available.Store(true)
	return p
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (p *BinanceProvider) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req.SetContext(ctx)

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			p.available.Store(true)
			return resp, nil
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			p.available.Store(false)
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		p.logger.Warn("Market data request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			p.available.Store(false)
			return nil, ctx.Err()
		}
	}

	p.available.Store(false)
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// GetCurrentPrice fetches the latest upstream price for the symbol.
func (p *BinanceProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	type tickerPrice struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}

	req := p.client.R().
		SetQueryParam("symbol", symbol+quoteAsset).
		SetResult(&tickerPrice{})

	resp, err := p.doRequest(ctx, "GET", "/ticker/price", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get current price for %s: %w", symbol, err)
	}

	result := resp.Result().(*tickerPrice)
	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", result.Price, err)
	}
	return price, nil
}

// Get24hStats fetches the rolling 24h ticker for the symbol.
func (p *BinanceProvider) Get24hStats(ctx context.Context, symbol string) (*Stats24h, error) {
	type ticker24h struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
	}

	req := p.client.R().
		SetQueryParam("symbol", symbol+quoteAsset).
		SetResult(&ticker24h{})

	resp, err := p.doRequest(ctx, "GET", "/ticker/24hr", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get 24h stats for %s: %w", symbol, err)
	}

	raw := resp.Result().(*ticker24h)
	stats := &Stats24h{Symbol: symbol}
	stats.LastPrice, _ = strconv.ParseFloat(raw.LastPrice, 64)
	stats.PriceChangePercent, _ = strconv.ParseFloat(raw.PriceChangePercent, 64)
	stats.HighPrice, _ = strconv.ParseFloat(raw.HighPrice, 64)
	stats.LowPrice, _ = strconv.ParseFloat(raw.LowPrice, 64)
	stats.Volume, _ = strconv.ParseFloat(raw.Volume, 64)
	return stats, nil
}

// GetHistorical fetches klines covering the last days at the given
// interval ("1m", "1h", "1d", ...).
func (p *BinanceProvider) GetHistorical(ctx context.Context, symbol string, days int, interval string) ([]models.Candle, error) {
	if days <= 0 {
		days = 1
	}
	if interval == "" {
		interval = "1h"
	}

	var raw [][]interface{}
	start := time.Now().AddDate(0, 0, -days).UnixMilli()

	req := p.client.R().
		SetQueryParam("symbol", symbol+quoteAsset).
		SetQueryParam("interval", interval).
		SetQueryParam("startTime", strconv.FormatInt(start, 10)).
		SetQueryParam("limit", "1000").
		SetResult(&raw)

	resp, err := p.doRequest(ctx, "GET", "/klines", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get historical candles for %s: %w", symbol, err)
	}

	rows := *resp.Result().(*[][]interface{})
	out := make([]models.Candle, 0, len(rows))
	for _, k := range rows {
		// Kline layout: openTime, open, high, low, close, volume, ...
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		c := models.Candle{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(int64(openTime)),
			Source:    models.CandleSourceReal,
		}
		c.Open = parseKlineField(k[1])
		c.High = parseKlineField(k[2])
		c.Low = parseKlineField(k[3])
		c.Close = parseKlineField(k[4])
		c.Volume = parseKlineField(k[5])
		out = append(out, c)
	}
	return out, nil
}

// IsAvailable reports the result of the most recent upstream exchange.
func (p *BinanceProvider) IsAvailable() bool {
	return p.available.Load()
}

func parseKlineField(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

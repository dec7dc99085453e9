package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/canopy-network/twbx/pkg/retry"
	"github.com/canopy-network/twbx/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoMarketData is returned when the oracle has no price for the requested day.
var ErrNoMarketData = errors.New("no market data")

// StaticOracle serves fixed prices, keyed by price key. Unknown keys return ErrNoMarketData.
type StaticOracle map[string]decimal.Decimal

func (s StaticOracle) Fetch(_ context.Context, key string, _ int64) (decimal.Decimal, error) {
	p, ok := s[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoMarketData, key)
	}
	return p, nil
}

// CoinGeckoConfig configures the CoinGecko history oracle.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string
	// Demo selects the demo-plan header instead of the pro header.
	Demo              bool
	RequestsPerMinute int
	Timeout           time.Duration
	Retry             retry.Config
}

// CoinGeckoOracle resolves daily historical prices from the CoinGecko /coins/{id}/history endpoint.
type CoinGeckoOracle struct {
	cfg     CoinGeckoConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewCoinGeckoOracle builds the oracle with a per-minute request budget.
func NewCoinGeckoOracle(cfg CoinGeckoConfig, logger *zap.Logger) *CoinGeckoOracle {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://pro-api.coingecko.com/api/v3"
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry = retry.Config{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, JitterEnabled: true}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	perReq := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &CoinGeckoOracle{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(perReq), 1),
		logger:  logger,
	}
}

type coinHistory struct {
	MarketData *struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

// Fetch returns the USD close for the UTC day containing bucketTs.
func (o *CoinGeckoOracle) Fetch(ctx context.Context, key string, bucketTs int64) (decimal.Decimal, error) {
	date := time.UnixMilli(bucketTs).UTC().Format("02-01-2006")
	endpoint := fmt.Sprintf("%s/coins/%s/history?%s",
		strings.TrimRight(o.cfg.BaseURL, "/"),
		url.PathEscape(key),
		url.Values{"date": {date}, "localization": {"false"}}.Encode())

	var price decimal.Decimal
	err := retry.WithBackoff(ctx, o.cfg.Retry, o.logger, "coingecko.history", func(int) error {
		p, err := o.fetchOnce(ctx, endpoint)
		if err != nil {
			var se *utils.StatusError
			if errors.Is(err, ErrNoMarketData) || (errors.As(err, &se) && se.Status != http.StatusTooManyRequests && se.Status < 500) {
				return retry.Permanent(err)
			}
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (o *CoinGeckoOracle) fetchOnce(ctx context.Context, endpoint string) (decimal.Decimal, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	if o.cfg.APIKey != "" {
		if o.cfg.Demo {
			req.Header.Set("x-cg-demo-api-key", o.cfg.APIKey)
		} else {
			req.Header.Set("x-cg-pro-api-key", o.cfg.APIKey)
		}
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	if err := utils.CheckResponse(resp); err != nil {
		return decimal.Zero, err
	}
	defer utils.DrainAndClose(resp.Body)

	var body coinHistory
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode coingecko response: %w", err)
	}
	if body.MarketData == nil {
		return decimal.Zero, ErrNoMarketData
	}
	usd, ok := body.MarketData.CurrentPrice["usd"]
	if !ok {
		return decimal.Zero, ErrNoMarketData
	}
	return usd, nil
}

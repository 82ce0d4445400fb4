package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dividend-screener/internal/market"
)

const (
	twseSnapshotPath = "/exchangeReport/STOCK_DAY_AVG_ALL"
	tpexSnapshotPath = "/tpex_mainboard_quotes"
)

// UniverseOptions parameterise the exchange snapshot provider.
type UniverseOptions struct {
	TWSEBaseURL string
	TPEXBaseURL string
	Timeout     time.Duration
	UserAgent   string
	MinPrice    decimal.Decimal
	Markets     []market.Market
}

// ExchangeUniverse builds the screening universe from the TWSE and TPEX
// daily closing price open APIs. Securities priced below the configured floor
// are excluded from the universe; stored history is unaffected.
type ExchangeUniverse struct {
	opts   UniverseOptions
	logger zerolog.Logger
	client *http.Client
}

// NewExchangeUniverse constructs the snapshot provider.
func NewExchangeUniverse(opts UniverseOptions, logger zerolog.Logger) *ExchangeUniverse {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if len(opts.Markets) == 0 {
		opts.Markets = []market.Market{market.MarketListed, market.MarketOTC}
	}
	return &ExchangeUniverse{
		opts:   opts,
		logger: logger.With().Str("component", "universe_provider").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type twseQuote struct {
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	ClosingPrice string `json:"ClosingPrice"`
	Date         string `json:"Date"`
}

type tpexQuote struct {
	Code  string `json:"SecuritiesCompanyCode"`
	Name  string `json:"CompanyName"`
	Close string `json:"Close"`
	Date  string `json:"Date"`
}

// ListSecurities fetches the enabled market snapshots and applies the price
// floor.
func (u *ExchangeUniverse) ListSecurities(ctx context.Context) ([]market.Security, error) {
	securities := make([]market.Security, 0, 2048)
	for _, mkt := range u.opts.Markets {
		var (
			batch []market.Security
			err   error
		)
		switch mkt {
		case market.MarketListed:
			batch, err = u.fetchTWSE(ctx)
		case market.MarketOTC:
			batch, err = u.fetchTPEX(ctx)
		default:
			return nil, fmt.Errorf("unknown market %q", mkt)
		}
		if err != nil {
			return nil, err
		}
		securities = append(securities, batch...)
	}

	filtered := securities[:0]
	dropped := 0
	for _, sec := range securities {
		if sec.LatestClose.LessThan(u.opts.MinPrice) {
			dropped++
			continue
		}
		filtered = append(filtered, sec)
	}

	u.logger.Info().
		Int("total", len(securities)).
		Int("below_floor", dropped).
		Str("min_price", u.opts.MinPrice.String()).
		Msg("universe snapshot loaded")
	return filtered, nil
}

func (u *ExchangeUniverse) fetchTWSE(ctx context.Context) ([]market.Security, error) {
	base := strings.TrimRight(u.opts.TWSEBaseURL, "/")
	if base == "" {
		base = "https://openapi.twse.com.tw/v1"
	}

	body, err := u.get(ctx, base+twseSnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("fetch twse snapshot: %w", err)
	}

	var quotes []twseQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("decode twse snapshot: %w", err)
	}

	securities := make([]market.Security, 0, len(quotes))
	for _, q := range quotes {
		sec, ok := toSecurity(q.Code, q.Name, q.ClosingPrice, q.Date, market.MarketListed)
		if ok {
			securities = append(securities, sec)
		}
	}
	return securities, nil
}

func (u *ExchangeUniverse) fetchTPEX(ctx context.Context) ([]market.Security, error) {
	base := strings.TrimRight(u.opts.TPEXBaseURL, "/")
	if base == "" {
		base = "https://www.tpex.org.tw/openapi/v1"
	}

	body, err := u.get(ctx, base+tpexSnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("fetch tpex snapshot: %w", err)
	}

	var quotes []tpexQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("decode tpex snapshot: %w", err)
	}

	securities := make([]market.Security, 0, len(quotes))
	for _, q := range quotes {
		sec, ok := toSecurity(q.Code, q.Name, q.Close, q.Date, market.MarketOTC)
		if ok {
			securities = append(securities, sec)
		}
	}
	return securities, nil
}

func (u *ExchangeUniverse) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if ua := strings.TrimSpace(u.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// toSecurity converts one snapshot row, dropping rows without a parsable
// close (暫停交易或除權息符號).
func toSecurity(code, name, price, date string, mkt market.Market) (market.Security, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return market.Security{}, false
	}

	cleaned := strings.ReplaceAll(strings.TrimSpace(price), ",", "")
	if cleaned == "" || cleaned == "--" || cleaned == "-" {
		return market.Security{}, false
	}
	close, err := decimal.NewFromString(cleaned)
	if err != nil {
		return market.Security{}, false
	}

	return market.Security{
		Code:            code,
		Name:            strings.TrimSpace(name),
		Market:          mkt,
		LatestClose:     close,
		LatestCloseDate: parseSnapshotDate(date),
	}, true
}

// parseSnapshotDate handles both ROC (1130829) and ISO (2024-08-29) forms the
// open APIs return.
func parseSnapshotDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if len(raw) == 7 {
		if t, err := time.Parse("20060102", fmt.Sprintf("%d%s", 1911+atoi(raw[:3]), raw[3:])); err == nil {
			return t
		}
	}
	return time.Time{}
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

var _ UniverseProvider = (*ExchangeUniverse)(nil)

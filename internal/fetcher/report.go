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

	"dividend-screener/internal/market"
)

const reportPath = "/report"

// ReportOptions parameterise the disclosure fetch client.
type ReportOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// ReportClient fetches raw disclosure observations from the report service
// (the collaborator that owns MOPS page retrieval and CSV cleanup) as JSON.
type ReportClient struct {
	opts    ReportOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewReportClient constructs a disclosure fetcher.
func NewReportClient(opts ReportOptions, logger zerolog.Logger) *ReportClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReportClient{
		opts:    opts,
		logger:  logger.With().Str("component", "report_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

type reportResponse struct {
	Fields map[string]*string `json:"fields"`
}

// Fetch retrieves one observation. Network and server-side problems come back
// retryable; not-found and malformed payloads are permanent.
func (c *ReportClient) Fetch(ctx context.Context, unit market.FetchUnit) (market.Observation, error) {
	if c.baseURL == "" {
		return market.Observation{}, permanentErr(unit, errors.New("report base url not configured"))
	}

	query := url.Values{}
	query.Set("code", unit.Code)
	query.Set("year", strconv.Itoa(unit.Period.Year))
	if !unit.Period.IsAnnual() {
		query.Set("quarter", strconv.Itoa(unit.Period.Quarter))
	}
	query.Set("kind", string(unit.Kind))

	endpoint := c.baseURL + reportPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.Observation{}, permanentErr(unit, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return market.Observation{}, retryableErr(unit, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return market.Observation{}, permanentErr(unit, errors.New("report not found"))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return market.Observation{}, retryableErr(unit, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return market.Observation{}, permanentErr(unit, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Observation{}, retryableErr(unit, err)
	}

	var payload reportResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return market.Observation{}, permanentErr(unit, fmt.Errorf("malformed payload: %w", err))
	}

	fields := make(map[string]decimal.NullDecimal, len(payload.Fields))
	for name, raw := range payload.Fields {
		if raw == nil || strings.TrimSpace(*raw) == "" {
			fields[name] = decimal.NullDecimal{}
			continue
		}
		value, convErr := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(*raw), ",", ""))
		if convErr != nil {
			return market.Observation{}, permanentErr(unit, fmt.Errorf("malformed field %s=%q", name, *raw))
		}
		fields[name] = decimal.NewNullDecimal(value)
	}

	return market.Observation{
		Code:      unit.Code,
		Period:    unit.Period,
		Kind:      unit.Kind,
		Fields:    fields,
		FetchedAt: c.now().UTC(),
	}, nil
}

var _ ObservationFetcher = (*ReportClient)(nil)

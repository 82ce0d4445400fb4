package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dividend-screener/internal/market"
)

const twseSnapshot = `[
	{"Code":"2330","Name":"台積電","ClosingPrice":"1,025.00","Date":"1130829"},
	{"Code":"1101","Name":"台泥","ClosingPrice":"32.55","Date":"1130829"},
	{"Code":"9999","Name":"雞蛋水餃","ClosingPrice":"4.20","Date":"1130829"},
	{"Code":"2888","Name":"暫停交易","ClosingPrice":"--","Date":"1130829"},
	{"Code":"","Name":"壞資料列","ClosingPrice":"10.00","Date":"1130829"}
]`

const tpexSnapshot = `[
	{"SecuritiesCompanyCode":"5274","CompanyName":"信驊","Close":"3,100.00","Date":"2024-08-29"},
	{"SecuritiesCompanyCode":"4444","CompanyName":"水餃股","Close":"3.33","Date":"2024-08-29"}
]`

func newUniverseServers(t *testing.T, twseBody, tpexBody string) (string, string) {
	t.Helper()
	twse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != twseSnapshotPath {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(twseBody))
	}))
	t.Cleanup(twse.Close)
	tpex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tpexSnapshotPath {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(tpexBody))
	}))
	t.Cleanup(tpex.Close)
	return twse.URL, tpex.URL
}

func TestListSecuritiesMergesMarketsAndAppliesFloor(t *testing.T) {
	twseURL, tpexURL := newUniverseServers(t, twseSnapshot, tpexSnapshot)
	universe := NewExchangeUniverse(UniverseOptions{
		TWSEBaseURL: twseURL,
		TPEXBaseURL: tpexURL,
		Timeout:     5 * time.Second,
		MinPrice:    decimal.NewFromInt(10),
	}, zerolog.Nop())

	securities, err := universe.ListSecurities(context.Background())
	if err != nil {
		t.Fatalf("ListSecurities: %v", err)
	}

	// 低於門檻的 9999/4444、無收盤價與缺代號的列都該被排除
	want := map[string]market.Market{
		"2330": market.MarketListed,
		"1101": market.MarketListed,
		"5274": market.MarketOTC,
	}
	if len(securities) != len(want) {
		t.Fatalf("securities = %d, want %d", len(securities), len(want))
	}
	for _, sec := range securities {
		mkt, ok := want[sec.Code]
		if !ok {
			t.Fatalf("不該出現的代號 %s", sec.Code)
		}
		if sec.Market != mkt {
			t.Fatalf("%s market = %s, want %s", sec.Code, sec.Market, mkt)
		}
	}
}

func TestListSecuritiesParsesQuoteFields(t *testing.T) {
	twseURL, tpexURL := newUniverseServers(t, twseSnapshot, tpexSnapshot)
	universe := NewExchangeUniverse(UniverseOptions{
		TWSEBaseURL: twseURL,
		TPEXBaseURL: tpexURL,
		MinPrice:    decimal.NewFromInt(10),
	}, zerolog.Nop())

	securities, err := universe.ListSecurities(context.Background())
	if err != nil {
		t.Fatalf("ListSecurities: %v", err)
	}

	byCode := make(map[string]market.Security, len(securities))
	for _, sec := range securities {
		byCode[sec.Code] = sec
	}

	tsmc := byCode["2330"]
	if !tsmc.LatestClose.Equal(decimal.RequireFromString("1025.00")) {
		t.Fatalf("2330 close = %s, 千分位逗號應被清掉", tsmc.LatestClose)
	}
	wantDate := time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)
	if !tsmc.LatestCloseDate.Equal(wantDate) {
		t.Fatalf("2330 民國日期 = %s, want %s", tsmc.LatestCloseDate, wantDate)
	}

	aspeed := byCode["5274"]
	if aspeed.Name != "信驊" {
		t.Fatalf("5274 name = %q", aspeed.Name)
	}
	if !aspeed.LatestCloseDate.Equal(wantDate) {
		t.Fatalf("5274 ISO 日期 = %s, want %s", aspeed.LatestCloseDate, wantDate)
	}
}

func TestListSecuritiesSingleMarket(t *testing.T) {
	twseURL, _ := newUniverseServers(t, twseSnapshot, tpexSnapshot)
	universe := NewExchangeUniverse(UniverseOptions{
		TWSEBaseURL: twseURL,
		TPEXBaseURL: "http://127.0.0.1:1", // 不該被呼叫
		MinPrice:    decimal.NewFromInt(10),
		Markets:     []market.Market{market.MarketListed},
	}, zerolog.Nop())

	securities, err := universe.ListSecurities(context.Background())
	if err != nil {
		t.Fatalf("ListSecurities: %v", err)
	}
	for _, sec := range securities {
		if sec.Market != market.MarketListed {
			t.Fatalf("只開 sii 卻出現 %s (%s)", sec.Code, sec.Market)
		}
	}
}

func TestListSecuritiesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	universe := NewExchangeUniverse(UniverseOptions{
		TWSEBaseURL: srv.URL,
		Markets:     []market.Market{market.MarketListed},
	}, zerolog.Nop())

	if _, err := universe.ListSecurities(context.Background()); err == nil {
		t.Fatal("上游 503 應回傳錯誤")
	}
}

func TestParseSnapshotDate(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2024-08-29", time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)},
		{"20240829", time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)},
		{"1130829", time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)},
		{"", time.Time{}},
		{"garbage", time.Time{}},
	}
	for _, tc := range cases {
		if got := parseSnapshotDate(tc.raw); !got.Equal(tc.want) {
			t.Fatalf("parseSnapshotDate(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

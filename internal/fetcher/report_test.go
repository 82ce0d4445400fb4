package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dividend-screener/internal/market"
)

var reportUnit = market.FetchUnit{
	Code:   "2330",
	Period: market.Quarterly(113, 2),
	Kind:   market.KindIncomeStatement,
}

func newReportServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *ReportClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewReportClient(ReportOptions{BaseURL: srv.URL, Timeout: 5 * time.Second, UserAgent: "twscreener-test"}, zerolog.Nop())
	return srv, client
}

func TestFetchDecodesReportPayload(t *testing.T) {
	var gotQuery map[string]string
	_, client := newReportServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"code":    r.URL.Query().Get("code"),
			"year":    r.URL.Query().Get("year"),
			"quarter": r.URL.Query().Get("quarter"),
			"kind":    r.URL.Query().Get("kind"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fields":{"eps":"1,234.56","profit":"88.5","equity":null,"cash_dividend":""}}`))
	})

	obs, err := client.Fetch(context.Background(), reportUnit)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	want := map[string]string{"code": "2330", "year": "113", "quarter": "2", "kind": "income_statement"}
	for key, value := range want {
		if gotQuery[key] != value {
			t.Fatalf("query %s = %q, want %q", key, gotQuery[key], value)
		}
	}

	eps := obs.Field(market.FieldEPS)
	if !eps.Valid || eps.Decimal.String() != "1234.56" {
		t.Fatalf("eps = %v, 千分位逗號應被清掉", eps)
	}
	// null 與空字串都是合法的未揭露值
	if obs.Field(market.FieldEquity).Valid {
		t.Fatal("null 欄位不應有值")
	}
	if obs.Field(market.FieldCashDividend).Valid {
		t.Fatal("空字串欄位不應有值")
	}
	if obs.FetchedAt.IsZero() {
		t.Fatal("FetchedAt 不應為零值")
	}
}

func TestFetchAnnualOmitsQuarter(t *testing.T) {
	hadQuarter := false
	_, client := newReportServer(t, func(w http.ResponseWriter, r *http.Request) {
		hadQuarter = r.URL.Query().Has("quarter")
		w.Write([]byte(`{"fields":{}}`))
	})

	unit := market.FetchUnit{Code: "1101", Period: market.Annual(112), Kind: market.KindDividend}
	if _, err := client.Fetch(context.Background(), unit); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if hadQuarter {
		t.Fatal("年度單位不應帶 quarter 參數")
	}
}

func TestFetchClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"not found 為永久性", http.StatusNotFound, "", false},
		{"伺服器錯誤可重試", http.StatusInternalServerError, "", true},
		{"限流可重試", http.StatusTooManyRequests, "", true},
		{"其他 4xx 為永久性", http.StatusForbidden, "", false},
		{"壞掉的 JSON 為永久性", http.StatusOK, `{"fields":`, false},
		{"欄位非數字為永久性", http.StatusOK, `{"fields":{"eps":"N/A"}}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, client := newReportServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := client.Fetch(context.Background(), reportUnit)
			if err == nil {
				t.Fatal("應回傳錯誤")
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("IsRetryable = %v, want %v", IsRetryable(err), tc.retryable)
			}
		})
	}
}

func TestFetchNetworkErrorIsRetryable(t *testing.T) {
	srv, client := newReportServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := client.Fetch(context.Background(), reportUnit)
	if err == nil {
		t.Fatal("連線失敗應回傳錯誤")
	}
	if !IsRetryable(err) {
		t.Fatal("連線失敗應可重試")
	}
}

func TestFetchWithoutBaseURL(t *testing.T) {
	client := NewReportClient(ReportOptions{}, zerolog.Nop())
	_, err := client.Fetch(context.Background(), reportUnit)
	if err == nil {
		t.Fatal("缺 base url 應回傳錯誤")
	}
	if IsRetryable(err) {
		t.Fatal("設定錯誤不應標為可重試")
	}
}

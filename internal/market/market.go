package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReportKind identifies the category of a fetched disclosure.
type ReportKind string

const (
	KindIncomeStatement ReportKind = "income_statement"
	KindBalanceSheet    ReportKind = "balance_sheet"
	KindCashFlow        ReportKind = "cash_flow"
	KindDividend        ReportKind = "dividend"
	KindPrice           ReportKind = "price"
)

// StatementKinds are the quarterly disclosure kinds fetched per fiscal period.
// Price is handled separately through the daily snapshot.
var StatementKinds = []ReportKind{
	KindIncomeStatement,
	KindBalanceSheet,
	KindCashFlow,
	KindDividend,
}

// Valid reports whether k is a known report kind.
func (k ReportKind) Valid() bool {
	switch k {
	case KindIncomeStatement, KindBalanceSheet, KindCashFlow, KindDividend, KindPrice:
		return true
	}
	return false
}

// Market distinguishes listed (sii) from OTC (otc) securities.
type Market string

const (
	MarketListed Market = "sii"
	MarketOTC    Market = "otc"
)

// Period is a fiscal (year, quarter) pair. Quarter 0 denotes an annual
// observation; annual sorts after Q4 of the same year.
type Period struct {
	Year    int
	Quarter int
}

// Annual builds an annual period for the given fiscal year.
func Annual(year int) Period { return Period{Year: year} }

// Quarterly builds a quarterly period.
func Quarterly(year, quarter int) Period { return Period{Year: year, Quarter: quarter} }

// IsAnnual reports whether the period is a whole-year observation.
func (p Period) IsAnnual() bool { return p.Quarter == 0 }

func (p Period) rank() int {
	if p.IsAnnual() {
		return 5
	}
	return p.Quarter
}

// Before orders periods by year then quarter, annual after Q4.
func (p Period) Before(other Period) bool {
	if p.Year != other.Year {
		return p.Year < other.Year
	}
	return p.rank() < other.rank()
}

func (p Period) String() string {
	if p.IsAnnual() {
		return fmt.Sprintf("%d", p.Year)
	}
	return fmt.Sprintf("%dQ%d", p.Year, p.Quarter)
}

// Security is one listed or OTC instrument in the screening universe.
type Security struct {
	Code            string
	Name            string
	Industry        string
	Market          Market
	LatestClose     decimal.Decimal
	LatestCloseDate time.Time
}

// FetchUnit names one (security, period, kind) observation to retrieve.
type FetchUnit struct {
	Code   string
	Period Period
	Kind   ReportKind
}

// Key renders the unique store key of the unit.
func (u FetchUnit) Key() string {
	return fmt.Sprintf("%s|%s|%s", u.Code, u.Period, u.Kind)
}

func (u FetchUnit) String() string { return u.Key() }

// Well-known field names inside Observation.Fields. 對應原始報表欄位。
const (
	FieldEPS           = "eps"            // 基本每股盈餘（元）, cumulative per quarter
	FieldProfit        = "profit"         // 淨利
	FieldEquity        = "equity"         // 權益總計
	FieldCashDividend  = "cash_dividend"  // 現金股利
	FieldStockDividend = "stock_dividend" // 股票股利
	FieldClose         = "close"
)

// Observation is one fetched fact keyed by (code, period, kind). Null field
// values are legitimate: not yet disclosed or not applicable.
type Observation struct {
	Code      string
	Period    Period
	Kind      ReportKind
	Fields    map[string]decimal.NullDecimal
	FetchedAt time.Time
}

// Unit returns the store key of the observation.
func (o Observation) Unit() FetchUnit {
	return FetchUnit{Code: o.Code, Period: o.Period, Kind: o.Kind}
}

// Field returns the named field, absent values reported as invalid.
func (o Observation) Field(name string) decimal.NullDecimal {
	if o.Fields == nil {
		return decimal.NullDecimal{}
	}
	return o.Fields[name]
}

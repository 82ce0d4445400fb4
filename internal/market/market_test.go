package market

import (
	"sort"
	"testing"
)

func TestPeriodOrdering(t *testing.T) {
	periods := []Period{
		Annual(112),
		Quarterly(113, 1),
		Quarterly(112, 4),
		Quarterly(112, 1),
		Annual(111),
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })

	want := []string{"111", "112Q1", "112Q4", "112", "113Q1"}
	for i, p := range periods {
		if p.String() != want[i] {
			t.Fatalf("order[%d] = %s, want %s (年度應排在 Q4 之後)", i, p, want[i])
		}
	}
}

func TestFetchUnitKey(t *testing.T) {
	quarterly := FetchUnit{Code: "2330", Period: Quarterly(113, 2), Kind: KindIncomeStatement}
	if quarterly.Key() != "2330|113Q2|income_statement" {
		t.Fatalf("key = %s", quarterly.Key())
	}
	annual := FetchUnit{Code: "1101", Period: Annual(112), Kind: KindDividend}
	if annual.Key() != "1101|112|dividend" {
		t.Fatalf("key = %s", annual.Key())
	}
}

package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func tx(id, timestamp string, amount int64) Transaction {
	return Transaction{
		ID:        id,
		Timestamp: timestamp,
		DateKey:   timestamp[:DateKeyLen],
		Amount:    decimal.NewFromInt(amount),
	}
}

func withCategory(t Transaction, id, label string) Transaction {
	t.Category = &Category{ID: id, Label: label}
	return t
}

func withAccount(t Transaction, id, label string, accountType AccountType) Transaction {
	t.Account = &Account{ID: id, Label: label, AccountType: accountType}
	return t
}

func assertDecimal(t *testing.T, got decimal.Decimal, want int64, context string) {
	t.Helper()
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Errorf("%s = %s, want %d", context, got, want)
	}
}

func TestMonthlyTotals(t *testing.T) {
	txs := []Transaction{
		tx("t1", "2024-01-05T10:00:00Z", -10),
		tx("t2", "2024-01-20T10:00:00Z", -15),
		tx("t3", "2024-02-01T10:00:00Z", 100),
	}

	totals := MonthlyTotals(txs)
	if len(totals) != 2 {
		t.Fatalf("expected 2 months, got %d", len(totals))
	}
	assertDecimal(t, totals["2024-01"], -25, `totals["2024-01"]`)
	assertDecimal(t, totals["2024-02"], 100, `totals["2024-02"]`)
}

func TestMonthlyTotalsEmpty(t *testing.T) {
	if totals := MonthlyTotals(nil); len(totals) != 0 {
		t.Errorf("expected empty result, got %v", totals)
	}
}

func TestTotalThisMonth(t *testing.T) {
	now := time.Date(2024, time.March, 20, 12, 0, 0, 0, time.UTC)
	txs := []Transaction{
		tx("t1", "2024-03-01T10:00:00Z", -40),
		tx("t2", "2024-03-15T10:00:00Z", -2),
		tx("t3", "2024-03-16T10:00:00Z", 500), // inflow, excluded
		tx("t4", "2024-02-28T10:00:00Z", -99), // previous month
	}

	assertDecimal(t, TotalThisMonth(txs, now), -42, "TotalThisMonth")
}

func TestPercentChangeFromLastMonth(t *testing.T) {
	now := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		txs  []Transaction
		want int64
	}{
		{
			name: "last month zero, this month positive",
			txs:  []Transaction{tx("t1", "2024-03-05T00:00:00Z", 50)},
			want: 100,
		},
		{
			name: "last month zero, this month negative",
			txs:  []Transaction{tx("t1", "2024-03-05T00:00:00Z", -50)},
			want: -100,
		},
		{
			name: "both months zero",
			txs:  nil,
			want: 0,
		},
		{
			name: "doubled spending",
			txs: []Transaction{
				tx("t1", "2024-02-05T00:00:00Z", -100),
				tx("t2", "2024-03-05T00:00:00Z", -200),
			},
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDecimal(t, PercentChangeFromLastMonth(tt.txs, now), tt.want, "PercentChangeFromLastMonth")
		})
	}
}

func TestPercentChangeFromLastMonthJanuary(t *testing.T) {
	// Last month crosses the year boundary.
	now := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	txs := []Transaction{
		tx("t1", "2023-12-05T00:00:00Z", -100),
		tx("t2", "2024-01-05T00:00:00Z", -150),
	}

	assertDecimal(t, PercentChangeFromLastMonth(txs, now), 50, "PercentChangeFromLastMonth")
}

func TestAverageMonthlyExcludesCurrentMonth(t *testing.T) {
	now := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)

	// Only current-month activity: average must be zero, not the
	// current month's total.
	current := []Transaction{tx("t1", "2024-03-05T00:00:00Z", -500)}
	assertDecimal(t, AverageMonthly(current, now), 0, "AverageMonthly")

	txs := []Transaction{
		tx("t1", "2024-01-05T00:00:00Z", -100),
		tx("t2", "2024-02-05T00:00:00Z", -200),
		tx("t3", "2024-03-05T00:00:00Z", -900), // partial month, excluded
	}
	assertDecimal(t, AverageMonthly(txs, now), -150, "AverageMonthly")
}

func TestNetWorthByMonthForwardFill(t *testing.T) {
	txs := []Transaction{
		withAccount(tx("t1", "2024-01-10T00:00:00Z", 100), "a1", "Checking", NetWorth),
		withAccount(tx("t2", "2024-02-10T00:00:00Z", 50), "a2", "Savings", NetWorth),
		withAccount(tx("t3", "2024-03-10T00:00:00Z", -30), "a1", "Checking", NetWorth),
	}

	series := NetWorthByMonth(txs)

	wantMonths := []string{"2024-01", "2024-02", "2024-03"}
	if len(series.Months) != len(wantMonths) {
		t.Fatalf("months = %v, want %v", series.Months, wantMonths)
	}
	for i, m := range wantMonths {
		if series.Months[i] != m {
			t.Fatalf("months = %v, want %v", series.Months, wantMonths)
		}
	}

	checking := series.Data["Checking"]
	assertDecimal(t, checking["2024-01"], 100, `Checking["2024-01"]`)
	// No activity in February: balance carries forward, never resets.
	assertDecimal(t, checking["2024-02"], 100, `Checking["2024-02"]`)
	assertDecimal(t, checking["2024-03"], 70, `Checking["2024-03"]`)

	savings := series.Data["Savings"]
	// No activity before February: balance starts at zero.
	assertDecimal(t, savings["2024-01"], 0, `Savings["2024-01"]`)
	assertDecimal(t, savings["2024-02"], 50, `Savings["2024-02"]`)
	assertDecimal(t, savings["2024-03"], 50, `Savings["2024-03"]`)
}

func TestNetWorthByMonthSkipsAccountlessTransactions(t *testing.T) {
	txs := []Transaction{
		tx("t1", "2024-01-10T00:00:00Z", 100),
		withAccount(tx("t2", "2024-02-10T00:00:00Z", 50), "a1", "Checking", NetWorth),
	}

	series := NetWorthByMonth(txs)
	if len(series.Data) != 1 {
		t.Fatalf("expected one account, got %d", len(series.Data))
	}
	if len(series.Months) != 1 || series.Months[0] != "2024-02" {
		t.Errorf("months = %v, want [2024-02]", series.Months)
	}
}

func TestCategoryMonthlyTotals(t *testing.T) {
	txs := []Transaction{
		withCategory(tx("t1", "2024-01-10T00:00:00Z", -10), "c1", "Food"),
		withCategory(tx("t2", "2024-02-10T00:00:00Z", -20), "c1", "Food"),
		tx("t3", "2024-02-15T00:00:00Z", -5),
	}

	breakdown := CategoryMonthlyTotals(txs)

	assertDecimal(t, breakdown.Data["Food"]["2024-01"], -10, `Data["Food"]["2024-01"]`)
	assertDecimal(t, breakdown.Data["Food"]["2024-02"], -20, `Data["Food"]["2024-02"]`)
	assertDecimal(t, breakdown.Totals["Food"], -30, `Totals["Food"]`)
	// Per-month average: total over distinct months with data.
	assertDecimal(t, breakdown.Averages["Food"], -15, `Averages["Food"]`)
	// Per-transaction average: total over transaction count.
	assertDecimal(t, breakdown.AveragePerCategory["Food"], -15, `AveragePerCategory["Food"]`)

	assertDecimal(t, breakdown.Totals[UncategorizedLabel], -5, "uncategorized total")
	assertDecimal(t, breakdown.TotalsPerMonth["2024-02"], -25, `TotalsPerMonth["2024-02"]`)
	assertDecimal(t, breakdown.TotalOverall, -35, "TotalOverall")

	wantMonths := []string{"2024-01", "2024-02"}
	for i, m := range wantMonths {
		if breakdown.Months[i] != m {
			t.Fatalf("months = %v, want %v", breakdown.Months, wantMonths)
		}
	}
}

func TestCategoryMonthlyTotalsDistinctDenominators(t *testing.T) {
	// Three transactions across two months: per-month average divides
	// by 2, per-transaction average divides by 3.
	txs := []Transaction{
		withCategory(tx("t1", "2024-01-10T00:00:00Z", -10), "c1", "Food"),
		withCategory(tx("t2", "2024-01-20T00:00:00Z", -20), "c1", "Food"),
		withCategory(tx("t3", "2024-02-10T00:00:00Z", -30), "c1", "Food"),
	}

	breakdown := CategoryMonthlyTotals(txs)
	assertDecimal(t, breakdown.Averages["Food"], -30, `Averages["Food"]`)
	assertDecimal(t, breakdown.AveragePerCategory["Food"], -20, `AveragePerCategory["Food"]`)
}

func TestCategoryMonthlyTotalsEmpty(t *testing.T) {
	breakdown := CategoryMonthlyTotals(nil)
	if len(breakdown.Data) != 0 || len(breakdown.Months) != 0 {
		t.Errorf("expected empty breakdown, got %+v", breakdown)
	}
	assertDecimal(t, breakdown.TotalOverall, 0, "TotalOverall")
}

func TestTotalsByYear(t *testing.T) {
	txs := []Transaction{
		tx("t1", "2023-12-31T00:00:00Z", -10),
		tx("t2", "2024-01-01T00:00:00Z", -20),
		tx("t3", "2024-06-01T00:00:00Z", 5),
	}

	totals := TotalsByYear(txs)
	assertDecimal(t, totals["2023"], -10, `totals["2023"]`)
	assertDecimal(t, totals["2024"], -15, `totals["2024"]`)
}

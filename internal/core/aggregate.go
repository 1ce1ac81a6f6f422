package core

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The aggregation functions below are pure transforms over an
// already-loaded transaction slice. They tolerate empty input and
// malformed date keys by skipping, never by failing.

var hundred = decimal.NewFromInt(100)

// Total sums the amounts of all transactions.
func Total(txs []Transaction) decimal.Decimal {
	var total decimal.Decimal
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}

// MonthlyTotals partitions transactions by "YYYY-MM" month and sums
// the amount per month.
func MonthlyTotals(txs []Transaction) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, tx := range txs {
		if len(tx.DateKey) < 7 {
			continue
		}
		month := tx.DateKey[:7]
		totals[month] = totals[month].Add(tx.Amount)
	}
	return totals
}

// TotalsByYear sums the amount per "YYYY" year.
func TotalsByYear(txs []Transaction) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, tx := range txs {
		if len(tx.DateKey) < 4 {
			continue
		}
		year := tx.DateKey[:4]
		totals[year] = totals[year].Add(tx.Amount)
	}
	return totals
}

// TotalThisMonth sums the outflows (amount < 0) of the calendar month
// that contains now. The reference time is an input so the result is a
// pure function of its arguments.
func TotalThisMonth(txs []Transaction, now time.Time) decimal.Decimal {
	month := MonthKey(now)
	var total decimal.Decimal
	for _, tx := range txs {
		if tx.Amount.IsNegative() && strings.HasPrefix(tx.Timestamp, month) {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

// PercentChangeFromLastMonth returns the month-over-month change in
// percent. When last month has no total the result degrades to +100,
// -100 or 0 depending on the sign of this month's total.
func PercentChangeFromLastMonth(txs []Transaction, now time.Time) decimal.Decimal {
	totals := MonthlyTotals(txs)
	lastMonth := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location())

	this := totals[MonthKey(now)]
	last := totals[MonthKey(lastMonth)]

	if last.IsZero() {
		switch {
		case this.IsPositive():
			return hundred
		case this.IsNegative():
			return hundred.Neg()
		default:
			return decimal.Zero
		}
	}
	return this.Sub(last).Div(last).Mul(hundred)
}

// AverageMonthly averages the monthly totals over months that have
// fully passed. The current month is excluded so a partial month never
// skews the average.
func AverageMonthly(txs []Transaction, now time.Time) decimal.Decimal {
	totals := MonthlyTotals(txs)
	current := now.Year()*12 + int(now.Month())

	var sum decimal.Decimal
	count := 0
	for month, total := range totals {
		year, m, ok := splitMonthKey(month)
		if !ok || year*12+m >= current {
			continue
		}
		sum = sum.Add(total)
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(count)))
}

// NetWorthSeries is a per-account balance series over a shared month
// axis. Data maps account label to month key to end-of-month balance.
type NetWorthSeries struct {
	Months []string
	Data   map[string]map[string]decimal.Decimal
}

// NetWorthByMonth walks transactions in ascending timestamp order,
// keeps a running balance per account and records the balance at the
// end of every month the account had activity. Months without activity
// carry the last known balance forward instead of resetting to zero.
func NetWorthByMonth(txs []Transaction) NetWorthSeries {
	sorted := make([]Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	balances := make(map[string]decimal.Decimal)
	byMonth := make(map[string]map[string]decimal.Decimal) // month -> account id -> balance
	labels := make(map[string]string)

	for _, tx := range sorted {
		if tx.Account == nil || tx.Account.ID == "" {
			continue
		}
		id := tx.Account.ID
		if tx.Account.Label != "" {
			labels[id] = tx.Account.Label
		}

		balances[id] = balances[id].Add(tx.Amount)

		if len(tx.DateKey) < 7 {
			continue
		}
		month := tx.DateKey[:7]
		if byMonth[month] == nil {
			byMonth[month] = make(map[string]decimal.Decimal)
		}
		byMonth[month][id] = balances[id]
	}

	months := make([]string, 0, len(byMonth))
	for month := range byMonth {
		months = append(months, month)
	}
	sort.Strings(months)

	data := make(map[string]map[string]decimal.Decimal, len(labels))
	for id, label := range labels {
		series := make(map[string]decimal.Decimal, len(months))
		var last decimal.Decimal
		for _, month := range months {
			if balance, ok := byMonth[month][id]; ok {
				last = balance
			}
			series[month] = last
		}
		data[label] = series
	}

	return NetWorthSeries{Months: months, Data: data}
}

// CategoryBreakdown is the category-by-month matrix plus its margins.
// Averages divides a category's total by the number of distinct months
// the category appears in; AveragePerCategory divides it by the
// category's transaction count. The two use different denominators.
type CategoryBreakdown struct {
	Data               map[string]map[string]decimal.Decimal // category label -> month -> sum
	Totals             map[string]decimal.Decimal            // category label -> overall sum
	Averages           map[string]decimal.Decimal            // category label -> per-month average
	Months             []string
	TotalsPerMonth     map[string]decimal.Decimal
	TotalOverall       decimal.Decimal
	AveragePerCategory map[string]decimal.Decimal // category label -> per-transaction average
}

// CategoryMonthlyTotals sums amounts for every (category label, month)
// pair. Transactions without a category roll into the uncategorized
// bucket.
func CategoryMonthlyTotals(txs []Transaction) CategoryBreakdown {
	out := CategoryBreakdown{
		Data:               make(map[string]map[string]decimal.Decimal),
		Totals:             make(map[string]decimal.Decimal),
		Averages:           make(map[string]decimal.Decimal),
		TotalsPerMonth:     make(map[string]decimal.Decimal),
		AveragePerCategory: make(map[string]decimal.Decimal),
	}
	counts := make(map[string]int)
	monthsSet := make(map[string]struct{})

	for _, tx := range txs {
		if len(tx.DateKey) < 7 {
			continue
		}
		month := tx.DateKey[:7]
		label := tx.CategoryLabel()

		monthsSet[month] = struct{}{}
		if out.Data[label] == nil {
			out.Data[label] = make(map[string]decimal.Decimal)
		}
		out.Data[label][month] = out.Data[label][month].Add(tx.Amount)
		out.Totals[label] = out.Totals[label].Add(tx.Amount)
		out.TotalsPerMonth[month] = out.TotalsPerMonth[month].Add(tx.Amount)
		out.TotalOverall = out.TotalOverall.Add(tx.Amount)
		counts[label]++
	}

	for label, perMonth := range out.Data {
		if n := len(perMonth); n > 0 {
			out.Averages[label] = out.Totals[label].Div(decimal.NewFromInt(int64(n)))
		}
	}
	for label, total := range out.Totals {
		if n := counts[label]; n > 0 {
			out.AveragePerCategory[label] = total.Div(decimal.NewFromInt(int64(n)))
		}
	}

	out.Months = make([]string, 0, len(monthsSet))
	for month := range monthsSet {
		out.Months = append(out.Months, month)
	}
	sort.Strings(out.Months)

	return out
}

func splitMonthKey(month string) (year, m int, ok bool) {
	parts := strings.SplitN(month, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	m, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return year, m, true
}

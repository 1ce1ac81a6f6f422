// Package query is the reactive read surface of the ledger. Queries
// are pure functions over the store's current contents plus
// parameters; registering one returns a live handle that recomputes on
// every relevant committed write.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cashcompass/internal/cache"
	"cashcompass/internal/core"
	"cashcompass/internal/log"
	"cashcompass/internal/store"
)

const (
	searchCacheSize = 64
	searchCacheTTL  = 5 * time.Minute
)

// Engine registers live queries against a store. A single engine is
// shared by all consumers; Close releases its cache-invalidation
// subscription.
type Engine struct {
	store  *store.Store
	cache  *cache.LRUCache[[]core.Transaction]
	logger *log.Logger
	inval  *store.Subscription
}

func NewEngine(st *store.Store, logger *log.Logger) *Engine {
	e := &Engine{
		store:  st,
		cache:  cache.NewLRUCache[[]core.Transaction](searchCacheSize, searchCacheTTL),
		logger: logger.WithComponent(log.ComponentQuery),
		inval:  st.Subscribe(store.CollectionTx),
	}
	go e.invalidate()
	return e
}

func (e *Engine) Close() {
	e.inval.Close()
}

// invalidate purges cached search results whenever the tx collection
// changes. Any write to a dependency collection invalidates; no
// finer-grained tracking.
func (e *Engine) invalidate() {
	for range e.inval.C() {
		e.cache.Purge()
	}
}

// SearchParams narrows a transaction range query. Start and End are
// inclusive date keys; empty LabelPrefix and AccountType match
// everything.
type SearchParams struct {
	Start       string
	End         string
	LabelPrefix string
	AccountType core.AccountType
}

func (p SearchParams) cacheKey() string {
	return strings.Join([]string{p.Start, p.End, p.LabelPrefix, string(p.AccountType)}, "\x00")
}

// SearchTransactions returns a live sequence of transactions in the
// given range, sorted by timestamp ascending.
func (e *Engine) SearchTransactions(p SearchParams) *Live[[]core.Transaction] {
	sub := e.store.Subscribe(store.CollectionTx)
	return newLive(sub, func(ctx context.Context, refresh bool) ([]core.Transaction, error) {
		if !refresh {
			if cached, ok := e.cache.Get(p.cacheKey()); ok {
				return cached, nil
			}
		}
		txs, err := e.store.SearchTransactions(ctx, p.Start, p.End, p.LabelPrefix, p.AccountType)
		if err != nil {
			return nil, err
		}
		e.cache.Set(p.cacheKey(), txs)
		return txs, nil
	}, e.logger)
}

// TransactionTotal is the live sum of every transaction amount.
func (e *Engine) TransactionTotal() *Live[decimal.Decimal] {
	sub := e.store.Subscribe(store.CollectionTx)
	return newLive(sub, func(ctx context.Context, _ bool) (decimal.Decimal, error) {
		txs, err := e.store.AllTransactions(ctx)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return core.Total(txs), nil
	}, e.logger)
}

// TransactionTotalByYear is the live mapping of year to total amount.
func (e *Engine) TransactionTotalByYear() *Live[map[string]decimal.Decimal] {
	sub := e.store.Subscribe(store.CollectionTx)
	return newLive(sub, func(ctx context.Context, _ bool) (map[string]decimal.Decimal, error) {
		txs, err := e.store.AllTransactions(ctx)
		if err != nil {
			return nil, err
		}
		return core.TotalsByYear(txs), nil
	}, e.logger)
}

// NetWorthByMonth is the live per-account balance series, computed
// over transactions booked against net-worth-tracked accounts.
func (e *Engine) NetWorthByMonth() *Live[core.NetWorthSeries] {
	sub := e.store.Subscribe(store.CollectionTx)
	return newLive(sub, func(ctx context.Context, _ bool) (core.NetWorthSeries, error) {
		txs, err := e.store.AllTransactions(ctx)
		if err != nil {
			return core.NetWorthSeries{}, err
		}
		tracked := txs[:0:0]
		for _, t := range txs {
			if t.Account != nil && t.Account.AccountType == core.NetWorth {
				tracked = append(tracked, t)
			}
		}
		return core.NetWorthByMonth(tracked), nil
	}, e.logger)
}

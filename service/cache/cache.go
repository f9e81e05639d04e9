// Package cache serves balance and history reads through a read-through
// cache with a TTL and a hard staleness ceiling.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/brojonat/xrpgate/service/xrpl"
)

const (
	kindBalance = "balance"
	kindHistory = "history"
)

// Entries are kept past the staleness ceiling so that a failed refresh can
// report how old the data is instead of looking like a cold miss.
const retentionFactor = 2

// ErrStaleData matches StaleDataError.
var ErrStaleData = errors.New("cached data exceeds staleness ceiling")

// StaleDataError means the gateway failed and the only cached value is
// older than the staleness ceiling.
type StaleDataError struct {
	Address string
	Age     time.Duration
	Err     error
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("data for %s is %s old and refresh failed: %v", e.Address, e.Age.Round(time.Second), e.Err)
}

func (e *StaleDataError) Unwrap() error { return e.Err }

func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// Gateway is the subset of the ledger gateway the cache reads through.
type Gateway interface {
	FetchBalance(ctx context.Context, address string) (uint64, error)
	FetchHistory(ctx context.Context, address, cursor string, pageSize int) (*xrpl.Page, error)
}

// Config controls cache freshness.
type Config struct {
	TTL          time.Duration
	StaleCeiling time.Duration
}

// Balance is an account balance as served by the cache.
type Balance struct {
	Address   string    `json:"address"`
	Drops     uint64    `json:"balance_drops"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// HistoryPage is a page of account history as served by the cache.
type HistoryPage struct {
	xrpl.Page
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

type entry struct {
	value     interface{}
	fetchedAt time.Time
}

// Cache is a read-through cache in front of the ledger gateway.
type Cache struct {
	gateway Gateway
	cfg     Config
	store   *gocache.Cache
	group   singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Cache.
// If metrics is nil, no metrics will be recorded.
func New(gw Gateway, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.StaleCeiling < cfg.TTL {
		cfg.StaleCeiling = cfg.TTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		gateway: gw,
		cfg:     cfg,
		store:   gocache.New(cfg.StaleCeiling*retentionFactor, cfg.StaleCeiling),
		gens:    make(map[string]uint64),
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

func balanceKey(address string) string {
	return kindBalance + ":" + address
}

func historyKey(address, cursor string, pageSize int) string {
	return kindHistory + ":" + address + ":" + strconv.Itoa(pageSize) + ":" + cursor
}

// GetBalance returns address's balance in drops.
func (c *Cache) GetBalance(ctx context.Context, address string) (*Balance, error) {
	e, stale, err := c.read(ctx, kindBalance, address, balanceKey(address), func(ctx context.Context) (interface{}, error) {
		return c.gateway.FetchBalance(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return &Balance{
		Address:   address,
		Drops:     e.value.(uint64),
		FetchedAt: e.fetchedAt,
		Stale:     stale,
	}, nil
}

// GetHistory returns one page of address's history.
func (c *Cache) GetHistory(ctx context.Context, address, cursor string, pageSize int) (*HistoryPage, error) {
	if pageSize <= 0 {
		pageSize = xrpl.DefaultPageSize
	}
	if pageSize > xrpl.MaxPageSize {
		pageSize = xrpl.MaxPageSize
	}
	key := historyKey(address, cursor, pageSize)
	e, stale, err := c.read(ctx, kindHistory, address, key, func(ctx context.Context) (interface{}, error) {
		return c.gateway.FetchHistory(ctx, address, cursor, pageSize)
	})
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		Page:      *e.value.(*xrpl.Page),
		FetchedAt: e.fetchedAt,
		Stale:     stale,
	}, nil
}

// History returns an iterator over address's history that reads through
// the cache.
func (c *Cache) History(address, cursor string, pageSize int) *xrpl.HistoryIterator {
	return xrpl.NewHistoryIterator(historyFetcher{c}, address, cursor, pageSize)
}

type historyFetcher struct{ c *Cache }

func (f historyFetcher) FetchHistory(ctx context.Context, address, cursor string, pageSize int) (*xrpl.Page, error) {
	p, err := f.c.GetHistory(ctx, address, cursor, pageSize)
	if err != nil {
		return nil, err
	}
	return &p.Page, nil
}

// InvalidateBalance evicts address's balance. A fetch that started before
// the call does not repopulate the entry.
func (c *Cache) InvalidateBalance(address string) {
	c.mu.Lock()
	c.gens[address]++
	c.store.Delete(balanceKey(address))
	c.mu.Unlock()
	c.logger.Debug("balance invalidated", "address", address)
}

func (c *Cache) generation(address string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[address]
}

func (c *Cache) lookup(key string) (entry, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return entry{}, false
	}
	return v.(entry), true
}

func (c *Cache) read(ctx context.Context, kind, address, key string, fetch func(context.Context) (interface{}, error)) (entry, bool, error) {
	cached, found := c.lookup(key)
	if found && c.now().Sub(cached.fetchedAt) < c.cfg.TTL {
		c.record(kind, "hit")
		return cached, false, nil
	}

	gen := c.generation(address)
	flightKey := key + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(flightKey, func() (interface{}, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		fresh := entry{value: value, fetchedAt: c.now()}
		c.mu.Lock()
		if c.gens[address] == gen {
			c.store.SetDefault(key, fresh)
		}
		c.mu.Unlock()
		return fresh, nil
	})
	if err == nil {
		c.record(kind, "miss")
		return v.(entry), false, nil
	}

	if errors.Is(err, xrpl.ErrAddressNotFound) {
		c.store.Delete(key)
		c.record(kind, "not_found")
		return entry{}, false, err
	}

	// Re-read: a concurrent invalidation may have removed the entry.
	cached, found = c.lookup(key)
	if !found {
		c.record(kind, "error")
		return entry{}, false, err
	}
	age := c.now().Sub(cached.fetchedAt)
	if age >= c.cfg.StaleCeiling {
		c.record(kind, "stale_error")
		c.logger.WarnContext(ctx, "refresh failed past staleness ceiling", "kind", kind, "address", address, "age", age, "error", err)
		return entry{}, false, &StaleDataError{Address: address, Age: age, Err: err}
	}
	c.record(kind, "stale")
	c.logger.WarnContext(ctx, "serving stale data", "kind", kind, "address", address, "age", age, "error", err)
	return cached, true, nil
}

func (c *Cache) record(kind, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheRequest(kind, result)
	}
}

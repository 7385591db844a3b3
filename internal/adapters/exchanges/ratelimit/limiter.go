package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"perpgate/internal/domain/exchange_account"
	"perpgate/pkg/errors"
)

// Limiter provides rate limiting functionality for exchange API calls
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// NewLimiter creates a new rate limiter
// requestsPerMinute: maximum number of requests allowed per minute
func NewLimiter(name string, requestsPerMinute int) *Limiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}

	// Convert to requests per second
	rps := float64(requestsPerMinute) / 60.0

	// Allow burst of 10% of per-minute limit
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		name:    name,
	}
}

// Wait blocks until the rate limiter allows the request
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limiter %s", l.name)
	}
	return nil
}

// MultiLimiter manages multiple rate limiters (per endpoint, global, etc.)
type MultiLimiter struct {
	limiters map[string]*Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*Limiter),
	}
}

// AddLimiter adds a rate limiter for a specific key
func (m *MultiLimiter) AddLimiter(key string, limiter *Limiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[key] = limiter
}

// Wait waits for all specified limiters
func (m *MultiLimiter) Wait(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range keys {
		if limiter, ok := m.limiters[key]; ok {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

const (
	KeyGlobal  = "global"
	KeyTrading = "trading"
)

// published per-minute limits: global requests, order mutations
var exchangeLimits = map[exchange_account.ExchangeType][2]int{
	// https://developers.binance.com/docs/derivatives/usds-margined-futures/general-info
	exchange_account.ExchangeBinance: {2400, 1200},
	// https://bybit-exchange.github.io/docs/v5/rate-limit
	exchange_account.ExchangeBybit: {600, 600},
	// https://www.okx.com/docs-v5/en/#overview-rate-limit
	exchange_account.ExchangeOKX: {600, 1800},
	// https://www.bitget.com/api-doc/common/intro
	exchange_account.ExchangeBitget: {1200, 600},
}

// ForExchange builds the limiter set for an exchange scaled to pct percent of its published limits
func ForExchange(exchange exchange_account.ExchangeType, pct int) *MultiLimiter {
	if pct <= 0 || pct > 100 {
		pct = 100
	}

	limits, ok := exchangeLimits[exchange]
	if !ok {
		limits = [2]int{60, 60}
	}

	name := exchange.String()
	m := NewMultiLimiter()
	m.AddLimiter(KeyGlobal, NewLimiter(name+"-global", limits[0]*pct/100))
	m.AddLimiter(KeyTrading, NewLimiter(name+"-trading", limits[1]*pct/100))
	return m
}

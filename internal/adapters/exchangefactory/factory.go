package exchangefactory

import (
	"net/http"
	"sync"
	"time"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/adapters/exchanges/binance"
	"perpgate/internal/adapters/exchanges/bitget"
	"perpgate/internal/adapters/exchanges/bybit"
	"perpgate/internal/adapters/exchanges/okx"
	"perpgate/internal/adapters/exchanges/ratelimit"
	"perpgate/internal/domain/exchange_account"
	"perpgate/internal/metrics"
	"perpgate/pkg/errors"
	"perpgate/pkg/logger"
)

const defaultHTTPTimeout = 10 * time.Second

// Option customizes factory behavior.
type Option func(*factory)

// WithHTTPTimeout sets the per-request timeout of every adapter.
func WithHTTPTimeout(d time.Duration) Option {
	return func(f *factory) {
		if d > 0 {
			f.httpTimeout = d
		}
	}
}

// WithRateLimitPct caps each gateway at pct percent of the exchange's published limits.
func WithRateLimitPct(pct int) Option {
	return func(f *factory) {
		f.rateLimitPct = pct
	}
}

// WithBaseURL points an exchange at a different host (testnets, proxies, stubs).
func WithBaseURL(exchange exchange_account.ExchangeType, url string) Option {
	return func(f *factory) {
		f.baseURLs[exchange] = url
	}
}

// NewFactory creates a pooled exchange factory implementation.
// Gateways are instrumented with metrics and throttled per exchange.
func NewFactory(opts ...Option) exchanges.Factory {
	f := &factory{
		httpTimeout:  defaultHTTPTimeout,
		rateLimitPct: 100,
		baseURLs:     make(map[exchange_account.ExchangeType]string),
		clients:      make(map[string]exchanges.Gateway),
		limiters:     make(map[exchange_account.ExchangeType]*ratelimit.MultiLimiter),
		log:          logger.Get().With("component", "exchange_factory"),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

type factory struct {
	httpTimeout  time.Duration
	rateLimitPct int
	baseURLs     map[exchange_account.ExchangeType]string

	mu       sync.RWMutex
	clients  map[string]exchanges.Gateway
	limiters map[exchange_account.ExchangeType]*ratelimit.MultiLimiter
	log      *logger.Logger
}

// Gateway returns the cached gateway of an account, creating it on first use.
// Accounts on the same exchange share one limiter.
func (f *factory) Gateway(account exchange_account.Account) (exchanges.Gateway, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}

	key := account.Exchange.String() + ":" + account.Name

	f.mu.RLock()
	if client, ok := f.clients[key]; ok {
		f.mu.RUnlock()
		return client, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	client, err := f.instantiate(account)
	if err != nil {
		return nil, err
	}

	limits, ok := f.limiters[account.Exchange]
	if !ok {
		limits = ratelimit.ForExchange(account.Exchange, f.rateLimitPct)
		f.limiters[account.Exchange] = limits
	}

	gw := ratelimit.Wrap(metrics.WrapGateway(client), limits)
	f.clients[key] = gw

	f.log.Infow("Exchange gateway created",
		"account", account.Name,
		"exchange", account.Exchange,
		"testnet", account.Testnet,
	)

	return gw, nil
}

func (f *factory) instantiate(account exchange_account.Account) (exchanges.Gateway, error) {
	baseURL := f.baseURLs[account.Exchange]

	switch account.Exchange {
	case exchange_account.ExchangeBinance:
		return binance.NewClient(binance.Config{
			APIKey:     account.APIKey,
			SecretKey:  account.Secret,
			Testnet:    account.Testnet,
			BaseURL:    baseURL,
			HTTPClient: &http.Client{Timeout: f.httpTimeout},
		})
	case exchange_account.ExchangeBybit:
		return bybit.NewClient(bybit.Config{
			APIKey:     account.APIKey,
			SecretKey:  account.Secret,
			Testnet:    account.Testnet,
			BaseURL:    baseURL,
			HTTPClient: &http.Client{Timeout: f.httpTimeout},
		})
	case exchange_account.ExchangeOKX:
		return okx.NewClient(okx.Config{
			APIKey:     account.APIKey,
			SecretKey:  account.Secret,
			Passphrase: account.Passphrase,
			Testnet:    account.Testnet,
			BaseURL:    baseURL,
			HTTPClient: &http.Client{Timeout: f.httpTimeout},
		})
	case exchange_account.ExchangeBitget:
		return bitget.NewClient(bitget.Config{
			APIKey:     account.APIKey,
			SecretKey:  account.Secret,
			Passphrase: account.Passphrase,
			Testnet:    account.Testnet,
			BaseURL:    baseURL,
			Timeout:    f.httpTimeout,
		})
	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput, "unsupported exchange: %s", account.Exchange)
	}
}

// Close closes every cached gateway and forgets them
func (f *factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs errors.MultiError
	for key, client := range f.clients {
		if err := client.Close(); err != nil {
			errs.Add(errors.Wrapf(err, "close %s", key))
		}
		delete(f.clients, key)
	}
	return errs.ToError()
}

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"perpgate/internal/adapters/exchanges"
	"perpgate/pkg/logger"
)

// AccountSource exposes the account state scraped on every collection
type AccountSource interface {
	Balances(ctx context.Context) (*exchanges.Balance, error)
	OpenPositions(ctx context.Context) ([]exchanges.Position, error)
}

// AccountCollector reports live balances and positions of one account.
// Values are fetched from the exchange on scrape, nothing is cached.
type AccountCollector struct {
	log      *logger.Logger
	account  string
	exchange string
	source   AccountSource
	timeout  time.Duration

	// Descriptors
	up            *prometheus.Desc
	equity        *prometheus.Desc
	assetBalance  *prometheus.Desc
	positionSize  *prometheus.Desc
	unrealizedPnL *prometheus.Desc
}

// NewAccountCollector creates a collector for one account
func NewAccountCollector(account, exchange string, source AccountSource) *AccountCollector {
	labels := prometheus.Labels{"account": account, "exchange": exchange}

	return &AccountCollector{
		log:      logger.Get().With("component", "account_collector", "account", account),
		account:  account,
		exchange: exchange,
		source:   source,
		timeout:  5 * time.Second,

		up: prometheus.NewDesc(
			"perpgate_account_up",
			"Whether the last scrape of the exchange account succeeded",
			nil, labels,
		),
		equity: prometheus.NewDesc(
			"perpgate_account_equity",
			"Total account equity in the exchange reporting currency",
			nil, labels,
		),
		assetBalance: prometheus.NewDesc(
			"perpgate_account_asset_balance",
			"Per-asset balance",
			[]string{"asset", "kind"}, // kind: total|available
			labels,
		),
		positionSize: prometheus.NewDesc(
			"perpgate_position_size",
			"Open position size, negative for one-way shorts",
			[]string{"symbol", "position_side"}, labels,
		),
		unrealizedPnL: prometheus.NewDesc(
			"perpgate_position_unrealized_pnl",
			"Unrealized PnL of an open position",
			[]string{"symbol", "position_side"}, labels,
		),
	}
}

// Describe implements prometheus.Collector
func (c *AccountCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.equity
	ch <- c.assetBalance
	ch <- c.positionSize
	ch <- c.unrealizedPnL
}

// Collect implements prometheus.Collector
func (c *AccountCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	ok := c.collectBalance(ctx, ch)
	ok = c.collectPositions(ctx, ch) && ok

	up := 0.0
	if ok {
		up = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
}

func (c *AccountCollector) collectBalance(ctx context.Context, ch chan<- prometheus.Metric) bool {
	balance, err := c.source.Balances(ctx)
	if err != nil {
		c.log.Warnw("Failed to collect balance", "error", err)
		return false
	}

	ch <- prometheus.MustNewConstMetric(c.equity, prometheus.GaugeValue, balance.Total.InexactFloat64())

	for _, d := range balance.Details {
		ch <- prometheus.MustNewConstMetric(c.assetBalance, prometheus.GaugeValue, d.Total.InexactFloat64(), d.Currency, "total")
		ch <- prometheus.MustNewConstMetric(c.assetBalance, prometheus.GaugeValue, d.Available.InexactFloat64(), d.Currency, "available")
	}
	return true
}

func (c *AccountCollector) collectPositions(ctx context.Context, ch chan<- prometheus.Metric) bool {
	positions, err := c.source.OpenPositions(ctx)
	if err != nil {
		c.log.Warnw("Failed to collect positions", "error", err)
		return false
	}

	for _, p := range positions {
		side := string(p.Side)
		ch <- prometheus.MustNewConstMetric(c.positionSize, prometheus.GaugeValue, p.Size.InexactFloat64(), p.Symbol, side)
		ch <- prometheus.MustNewConstMetric(c.unrealizedPnL, prometheus.GaugeValue, p.UnrealizedPnL.InexactFloat64(), p.Symbol, side)
	}
	return true
}

// RegisterAccountCollector registers the collector with the default registry
func RegisterAccountCollector(collector *AccountCollector) error {
	return prometheus.Register(collector)
}

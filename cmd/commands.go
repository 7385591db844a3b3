package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	segkafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/adapters/kafka"
	"perpgate/internal/metrics"
	"perpgate/internal/services/trading"
	"perpgate/pkg/errors"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"balance":   runBalance,
	"positions": runPositions,
	"mode":      runMode,
	"quote":     runQuote,
	"orders":    runOrders,
	"open":      runOpen,
	"stop":      runStop,
	"tp":        runTakeProfit,
	"serve":     runServe,
	"events":    runEvents,
}

// decimalFlag parses a single decimal argument
type decimalFlag struct{ value decimal.Decimal }

func (f *decimalFlag) String() string { return f.value.String() }

func (f *decimalFlag) Set(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	f.value = d
	return nil
}

// targetsFlag parses a comma separated price list such as "51000,52000"
type targetsFlag struct{ values []decimal.Decimal }

func (f *targetsFlag) String() string {
	parts := make([]string, len(f.values))
	for i, v := range f.values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func (f *targetsFlag) Set(s string) error {
	targets, err := parseTargets(s)
	if err != nil {
		return err
	}
	f.values = targets
	return nil
}

func parseTargets(s string) ([]decimal.Decimal, error) {
	var targets []decimal.Decimal
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", part, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("target %q must be positive", part)
		}
		targets = append(targets, d)
	}
	return targets, nil
}

func parseSide(s string) (exchanges.OrderSide, error) {
	side := exchanges.OrderSide(strings.ToUpper(strings.TrimSpace(s)))
	if !side.Valid() {
		return "", errors.NewValidationError("side", "must be BUY or SELL", s)
	}
	return side, nil
}

func parseOrderType(s string) (exchanges.OrderType, error) {
	t := exchanges.OrderType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case exchanges.OrderTypeMarket, exchanges.OrderTypeLimit:
		return t, nil
	}
	return "", errors.NewValidationError("type", "must be MARKET or LIMIT", s)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func formatAmount(d decimal.Decimal) string {
	return humanize.CommafWithDigits(d.InexactFloat64(), 8)
}

func printOrder(a *app, label string, o *exchanges.Order) {
	if o == nil {
		return
	}
	line := fmt.Sprintf("%s %s %s %s %s", label, o.ID, o.Symbol, o.Side, o.Type)
	if o.ClosePosition {
		line += " close-position"
	} else if o.Quantity.IsPositive() {
		line += " qty=" + o.Quantity.String()
	}
	if o.Price.IsPositive() {
		line += " price=" + o.Price.String()
	}
	if o.StopPrice.IsPositive() {
		line += " trigger=" + o.StopPrice.String()
	}
	if o.Status != "" {
		line += " status=" + string(o.Status)
	}
	if !o.CreatedAt.IsZero() {
		line += " (" + humanize.Time(o.CreatedAt) + ")"
	}
	fmt.Fprintln(a.out, line)
}

func runBalance(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet(a, "balance").Parse(args); err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	balance, err := svc.Balances(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tTOTAL\tAVAILABLE")
	for _, d := range balance.Details {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Currency, formatAmount(d.Total), formatAmount(d.Available))
	}
	if balance.Currency != "" {
		fmt.Fprintf(tw, "equity (%s)\t%s\t%s\n", balance.Currency, formatAmount(balance.Total), formatAmount(balance.Available))
	}
	return tw.Flush()
}

func runPositions(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet(a, "positions").Parse(args); err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	positions, err := svc.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(a.out, "no open positions")
		return nil
	}
	printPositions(a, positions)
	return nil
}

// printPositions lists positions with the entry side that stop and tp expect as -side
func printPositions(a *app, positions []exchanges.Position) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSIDE\tENTRY SIDE\tSIZE\tENTRY\tMARK\tLEVERAGE\tUPNL")
	for _, p := range positions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%sx\t%s\n",
			p.Symbol, p.Side, exchanges.EntrySideFor(p.Side, p.Size), p.Size.Abs(),
			p.EntryPrice, p.MarkPrice, p.Leverage, formatAmount(p.UnrealizedPnL))
	}
	_ = tw.Flush()
}

func runMode(ctx context.Context, a *app, args []string) error {
	if err := newFlagSet(a, "mode").Parse(args); err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s (%s, account %s)\n", svc.ResolveTradingMode(ctx), a.account.Exchange, a.account.Name)
	return nil
}

func runQuote(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "quote")
	symbol := fs.String("symbol", "", "contract symbol, e.g. BTCUSDT")
	var usdt decimalFlag
	fs.Var(&usdt, "usdt", "margin in USDT")
	leverage := fs.Int("leverage", a.cfg.Trading.DefaultLeverage, "leverage")
	var targets targetsFlag
	fs.Var(&targets, "targets", "take-profit targets, comma separated")
	strict := fs.Bool("strict", !a.cfg.Trading.AdjustToMinNotional, "fail instead of raising the quantity to the minimum notional")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := a.service()
	if err != nil {
		return err
	}
	sym := normalizeSymbol(*symbol)
	q, err := svc.Quote(ctx, trading.SizingRequest{
		Symbol:              sym,
		USDTAmount:          usdt.value,
		Leverage:            *leverage,
		AdjustToMinNotional: !*strict,
		TakeProfitTargets:   targets.values,
	})
	if err != nil {
		return err
	}
	printQuote(a, q)

	maxLeverage, err := svc.MaxLeverage(ctx, sym)
	if err != nil {
		a.log.Debugw("Max leverage unavailable", "symbol", sym, "error", err)
		return nil
	}
	if *leverage > maxLeverage {
		fmt.Fprintf(a.out, "warning: leverage %dx exceeds the %s maximum of %dx\n", *leverage, sym, maxLeverage)
	}
	return nil
}

func printQuote(a *app, q trading.Quote) {
	fmt.Fprintf(a.out, "%s quantity %s at %s (notional %s USDT)\n",
		q.Symbol, q.Quantity, formatAmount(q.Price), formatAmount(q.Notional()))
	if q.Adjusted {
		fmt.Fprintf(a.out, "raised to the minimum notional of %s USDT\n", formatAmount(q.MinNotional))
	}
}

func runOrders(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "orders")
	symbol := fs.String("symbol", "", "contract symbol, e.g. BTCUSDT")
	limit := fs.Int("limit", 20, "maximum number of orders, capped by the exchange")
	resting := fs.Bool("open", false, "list resting orders instead of the history, every symbol when -symbol is empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := a.service()
	if err != nil {
		return err
	}
	sym := normalizeSymbol(*symbol)

	var orders []exchanges.Order
	if *resting {
		orders, err = svc.OpenOrders(ctx, sym)
	} else {
		orders, err = svc.OrderHistory(ctx, sym, *limit)
	}
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Fprintln(a.out, "no orders")
		return nil
	}
	for i := range orders {
		printOrder(a, "order", &orders[i])
	}
	return nil
}

func runOpen(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "open")
	symbol := fs.String("symbol", "", "contract symbol, e.g. BTCUSDT")
	sideArg := fs.String("side", "", "BUY or SELL")
	typeArg := fs.String("type", string(exchanges.OrderTypeMarket), "MARKET or LIMIT")
	var usdt, price, stopLoss decimalFlag
	fs.Var(&usdt, "usdt", "margin in USDT")
	fs.Var(&price, "price", "limit price")
	fs.Var(&stopLoss, "sl", "stop-loss trigger price")
	leverage := fs.Int("leverage", a.cfg.Trading.DefaultLeverage, "leverage")
	var targets targetsFlag
	fs.Var(&targets, "targets", "take-profit targets, comma separated")
	if err := fs.Parse(args); err != nil {
		return err
	}

	side, err := parseSide(*sideArg)
	if err != nil {
		return err
	}
	orderType, err := parseOrderType(*typeArg)
	if err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}

	order, err := svc.OpenPosition(ctx, trading.OpenPositionRequest{
		Symbol:              normalizeSymbol(*symbol),
		Side:                side,
		Type:                orderType,
		Price:               price.value,
		USDTAmount:          usdt.value,
		Leverage:            *leverage,
		AdjustToMinNotional: a.cfg.Trading.AdjustToMinNotional,
		Protection: trading.Protection{
			StopLoss:    stopLoss.value,
			TakeProfits: targets.values,
		},
	})
	printOrder(a, "order", order)
	return err
}

func runStop(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "stop")
	symbol := fs.String("symbol", "", "contract symbol, e.g. BTCUSDT")
	sideArg := fs.String("side", "", "entry side of the position, BUY or SELL")
	var price decimalFlag
	fs.Var(&price, "price", "stop trigger price")
	if err := fs.Parse(args); err != nil {
		return err
	}

	side, err := parseSide(*sideArg)
	if err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	order, err := svc.SetStopLoss(ctx, trading.StopLossRequest{
		Symbol:    normalizeSymbol(*symbol),
		Side:      side,
		StopPrice: price.value,
	})
	if err != nil {
		return err
	}
	printOrder(a, "stop", order)
	return nil
}

func runTakeProfit(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "tp")
	symbol := fs.String("symbol", "", "contract symbol, e.g. BTCUSDT")
	sideArg := fs.String("side", "", "entry side of the position, BUY or SELL")
	var qty decimalFlag
	fs.Var(&qty, "qty", "position quantity to split across targets")
	var targets targetsFlag
	fs.Var(&targets, "targets", "take-profit targets, comma separated")
	if err := fs.Parse(args); err != nil {
		return err
	}

	side, err := parseSide(*sideArg)
	if err != nil {
		return err
	}
	svc, err := a.service()
	if err != nil {
		return err
	}
	orders, err := svc.SetTakeProfits(ctx, trading.TakeProfitRequest{
		Symbol:   normalizeSymbol(*symbol),
		Side:     side,
		Quantity: qty.value,
		Targets:  targets.values,
	})
	for _, o := range orders {
		printOrder(a, "take-profit", o)
	}
	return err
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "serve")
	addr := fs.String("addr", a.cfg.Metrics.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		*addr = ":9090"
	}

	metrics.Init()
	for _, acc := range a.accounts {
		svc, err := a.serviceFor(acc)
		if err != nil {
			return err
		}
		collector := metrics.NewAccountCollector(acc.Name, string(acc.Exchange), svc)
		if err := metrics.RegisterAccountCollector(collector); err != nil {
			return errors.Wrapf(err, "register collector for %q", acc.Name)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	a.log.Infow("Metrics endpoint listening", "addr", *addr, "accounts", len(a.accounts))

	return waitForShutdown(ctx, serverErr, server.Shutdown, a.log)
}

func runEvents(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "events")
	topic := fs.String("topic", trading.TopicProtectionDegraded, "event topic without the configured prefix")
	group := fs.String("group", "", "consumer group, empty reads without committing offsets")
	fromBeginning := fs.Bool("from-beginning", false, "replay the topic from the first message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(a.cfg.Kafka.Brokers) == 0 {
		return errors.NewValidationError("KAFKA_BROKERS", "required to tail events", "")
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       a.cfg.Kafka.Brokers,
		GroupID:       *group,
		TopicPrefix:   a.cfg.Kafka.Topic,
		Topic:         *topic,
		FromBeginning: *fromBeginning,
	})
	defer consumer.Close()

	err := consumer.Consume(ctx, func(_ context.Context, msg segkafka.Message) error {
		_, err := fmt.Fprintf(a.out, "%s %s %s\n", msg.Time.Format(time.RFC3339), msg.Key, msg.Value)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

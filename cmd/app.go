package main

import (
	"context"
	"io"

	"perpgate/internal/adapters/config"
	"perpgate/internal/adapters/exchangefactory"
	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/adapters/kafka"
	"perpgate/internal/adapters/redis"
	"perpgate/internal/adapters/telegram"
	"perpgate/internal/domain/exchange_account"
	"perpgate/internal/services/trading"
	"perpgate/pkg/errors"
	"perpgate/pkg/logger"
)

// app holds everything a command needs for one invocation
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	out      io.Writer
	accounts []exchange_account.Account
	account  exchange_account.Account
	factory  exchanges.Factory

	locker   *redis.Client
	producer *kafka.Producer
	notifier *telegram.Notifier
	services map[string]*trading.Service
}

func newApp(ctx context.Context, cfg *config.Config, accountName string, out io.Writer) (*app, error) {
	accounts, err := cfg.LoadAccounts()
	if err != nil {
		return nil, errors.Wrap(err, "load accounts")
	}
	account, err := config.FindAccount(accounts, accountName)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      logger.Get().With("component", "cli"),
		out:      out,
		accounts: accounts,
		account:  account,
		factory: exchangefactory.NewFactory(
			exchangefactory.WithHTTPTimeout(cfg.Exchange.HTTPTimeout),
			exchangefactory.WithRateLimitPct(cfg.Exchange.RateLimitPct),
		),
		services: make(map[string]*trading.Service),
	}

	if cfg.Trading.LockEnabled {
		a.locker, err = redis.NewClient(cfg.Redis)
		if err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "connect redis")
		}
		if err := a.locker.Health(ctx); err != nil {
			_ = a.Close()
			return nil, errors.Wrap(err, "redis health")
		}
	}

	if cfg.Kafka.Enabled {
		a.producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.Topic,
		})
	}

	if cfg.Telegram.Enabled() {
		// alerts are best effort, a broken bot must not block trading
		a.notifier, err = telegram.NewNotifier(telegram.Config{
			Token:  cfg.Telegram.BotToken,
			ChatID: cfg.Telegram.ChatID,
		})
		if err != nil {
			a.log.Warnw("Telegram alerts disabled", "error", err)
			a.notifier = nil
		}
	}

	return a, nil
}

// service returns the trading service of the selected account
func (a *app) service() (*trading.Service, error) {
	return a.serviceFor(a.account)
}

func (a *app) serviceFor(account exchange_account.Account) (*trading.Service, error) {
	if svc, ok := a.services[account.Name]; ok {
		return svc, nil
	}

	gw, err := a.factory.Gateway(account)
	if err != nil {
		return nil, errors.Wrapf(err, "gateway for account %q", account.Name)
	}

	opts := []trading.Option{trading.WithAccountID(account.Name)}
	if a.locker != nil {
		opts = append(opts, trading.WithLocker(a.locker, a.cfg.Trading.LockTTL))
	}
	if a.producer != nil {
		opts = append(opts, trading.WithEventPublisher(a.producer))
	}
	if a.notifier != nil {
		opts = append(opts, trading.WithNotifier(a.notifier))
	}

	svc := trading.NewService(gw, opts...)
	a.services[account.Name] = svc
	return svc, nil
}

// Close releases gateways and broker connections
func (a *app) Close() error {
	var errs errors.MultiError
	if a.factory != nil {
		errs.Add(a.factory.Close())
	}
	if a.producer != nil {
		errs.Add(a.producer.Close())
	}
	if a.locker != nil {
		errs.Add(a.locker.Close())
	}
	return errs.ToError()
}

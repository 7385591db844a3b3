package exchangefactory

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpgate/internal/adapters/exchanges"
	"perpgate/internal/domain/exchange_account"
	"perpgate/internal/testsupport"
	"perpgate/pkg/errors"
)

func account(name string, exchange exchange_account.ExchangeType) exchange_account.Account {
	return exchange_account.Account{
		Name:       name,
		Exchange:   exchange,
		APIKey:     "key",
		Secret:     "secret",
		Passphrase: "pass",
	}
}

func TestFactory_CreatesEveryExchange(t *testing.T) {
	f := NewFactory()
	t.Cleanup(func() { _ = f.Close() })

	for _, exchange := range []exchange_account.ExchangeType{
		exchange_account.ExchangeBinance,
		exchange_account.ExchangeBybit,
		exchange_account.ExchangeOKX,
		exchange_account.ExchangeBitget,
	} {
		t.Run(exchange.String(), func(t *testing.T) {
			gw, err := f.Gateway(account("acc-"+exchange.String(), exchange))
			require.NoError(t, err)
			assert.Equal(t, exchange.String(), gw.Name())
		})
	}
}

func TestFactory_CachesPerAccount(t *testing.T) {
	f := NewFactory()
	t.Cleanup(func() { _ = f.Close() })

	first, err := f.Gateway(account("main", exchange_account.ExchangeBinance))
	require.NoError(t, err)
	second, err := f.Gateway(account("main", exchange_account.ExchangeBinance))
	require.NoError(t, err)
	other, err := f.Gateway(account("hedge", exchange_account.ExchangeBinance))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}

func TestFactory_RejectsInvalidAccount(t *testing.T) {
	f := NewFactory()

	_, err := f.Gateway(exchange_account.Account{Name: "x", Exchange: "kraken", APIKey: "k", Secret: "s"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	// OKX needs a passphrase
	acc := account("okx", exchange_account.ExchangeOKX)
	acc.Passphrase = ""
	_, err = f.Gateway(acc)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestFactory_RoutesToBaseURLAndCloses(t *testing.T) {
	srv := testsupport.NewExchangeServer(t)
	srv.Handle(http.MethodGet, "/fapi/v1/ticker/price", `{"symbol":"BTCUSDT","price":"100"}`)

	f := NewFactory(WithBaseURL(exchange_account.ExchangeBinance, srv.URL), WithRateLimitPct(10))
	gw, err := f.Gateway(account("main", exchange_account.ExchangeBinance))
	require.NoError(t, err)

	price, err := gw.GetTickerPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "100", price.String())

	require.NoError(t, f.Close())
	_, err = gw.GetTickerPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, exchanges.ErrClosed)

	fresh, err := f.Gateway(account("main", exchange_account.ExchangeBinance))
	require.NoError(t, err)
	assert.NotSame(t, gw, fresh)
}

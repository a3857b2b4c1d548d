package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// ErrNoSigner marks an absent or unparsable signing credential. It is not
// retryable; the tick fails immediately.
var ErrNoSigner = errors.New("oracle updater: signing key not configured")

var dec100 = decimal.NewFromInt(100)

// SpreadSource yields the buy-side markup percentage from the separately
// owned spread configuration. Implemented by the state store.
type SpreadSource interface {
	BuySpreadPct(ctx context.Context) (decimal.Decimal, error)
}

// UpdaterOptions parameterise on-chain writes.
type UpdaterOptions struct {
	RPCURL         string
	OracleAddress  string
	ChainID        int64
	PrivateKey     string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Updater submits all-metals price updates in a single atomic transaction,
// wrapped in bounded exponential-backoff retry. Update never panics and never
// returns an error: failures are captured in the result.
type Updater struct {
	opts      UpdaterOptions
	logger    zerolog.Logger
	spread    SpreadSource
	client    *ethclient.Client
	clientMux sync.Mutex

	// overridable in tests
	submit func(ctx context.Context, values [5]*big.Int) (string, error)
	sleep  func(time.Duration)
}

// NewUpdater builds an oracle updater.
func NewUpdater(opts UpdaterOptions, spread SpreadSource, logger zerolog.Logger) *Updater {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 15 * time.Second
	}

	u := &Updater{
		opts:   opts,
		logger: logger.With().Str("component", "oracle_updater").Logger(),
		spread: spread,
		sleep:  time.Sleep,
	}
	u.submit = u.submitTx
	return u
}

// Update applies the configured buy-side spread, encodes E6, and submits one
// setAllPrices transaction covering all four metals plus the PAXG reference.
func (u *Updater) Update(ctx context.Context, prices metals.Prices, aux decimal.Decimal) metals.UpdateResult {
	result := metals.UpdateResult{
		BasePrices: prices,
		AuxPrice:   aux,
	}

	if u.opts.PrivateKey == "" {
		result.Error = ErrNoSigner.Error()
		u.logger.Error().Msg("update skipped: no signing key")
		return result
	}

	sent := u.applySpread(ctx, prices)
	result.SentPrices = sent

	values := [5]*big.Int{
		ToE6(sent.Gold),
		ToE6(sent.Silver),
		ToE6(sent.Platinum),
		ToE6(sent.Palladium),
		ToE6(aux),
	}

	delay := u.opts.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= u.opts.RetryAttempts; attempt++ {
		hash, err := u.submit(ctx, values)
		if err == nil {
			result.Success = true
			result.TxHash = hash
			result.UpdatedMetals = metals.All
			u.logger.Info().Str("tx", hash).Int("attempt", attempt).Msg("oracle updated")
			return result
		}

		lastErr = err
		if errors.Is(err, ErrNoSigner) {
			break
		}
		u.logger.Warn().Err(err).Int("attempt", attempt).Msg("oracle update attempt failed")
		if attempt < u.opts.RetryAttempts {
			u.sleep(delay)
			delay *= 2
			if delay > u.opts.RetryMaxDelay {
				delay = u.opts.RetryMaxDelay
			}
		}
	}

	result.Error = lastErr.Error()
	return result
}

// applySpread marks the metal prices up by the configured buy-side spread.
// The auxiliary reference is published unadjusted.
func (u *Updater) applySpread(ctx context.Context, prices metals.Prices) metals.Prices {
	if u.spread == nil {
		return prices
	}
	pct, err := u.spread.BuySpreadPct(ctx)
	if err != nil {
		u.logger.Warn().Err(err).Msg("spread config unavailable, publishing base prices")
		return prices
	}
	if pct.IsZero() {
		return prices
	}

	factor := decimal.NewFromInt(1).Add(pct.Div(dec100))
	var adjusted metals.Prices
	for _, m := range metals.All {
		adjusted.Set(m, prices.Get(m).Mul(factor))
	}
	return adjusted
}

func (u *Updater) submitTx(ctx context.Context, values [5]*big.Int) (string, error) {
	key, err := crypto.HexToECDSA(u.opts.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoSigner, err)
	}

	timeout := u.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := u.getClient(ctx)
	if err != nil {
		return "", err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(u.opts.ChainID))
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	auth.Context = ctx

	addr := common.HexToAddress(u.opts.OracleAddress)
	contract := bind.NewBoundContract(addr, oracleABI, client, client, client)

	tx, err := contract.Transact(auth, "setAllPrices", values[0], values[1], values[2], values[3], values[4])
	if err != nil {
		return "", fmt.Errorf("send setAllPrices: %w", err)
	}

	return tx.Hash().Hex(), nil
}

func (u *Updater) getClient(ctx context.Context) (*ethclient.Client, error) {
	u.clientMux.Lock()
	defer u.clientMux.Unlock()

	if u.client != nil {
		return u.client, nil
	}

	client, err := ethclient.DialContext(ctx, u.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	u.client = client
	return client, nil
}

package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// ReaderOptions parameterise on-chain reads.
type ReaderOptions struct {
	RPCURL        string
	OracleAddress string
	Timeout       time.Duration
}

// Reader reads the oracle's current prices via Ethereum RPC. Any failure
// (timeout, revert, malformed response) degrades to the all-zero sentinel,
// which downstream analysis treats as "oracle uninitialized, must update".
type Reader struct {
	opts      ReaderOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewReader builds an oracle reader.
func NewReader(opts ReaderOptions, logger zerolog.Logger) *Reader {
	return &Reader{opts: opts, logger: logger.With().Str("component", "oracle_reader").Logger()}
}

// Read returns the on-chain prices, or all zeros when the oracle is
// unreachable or not yet initialized.
func (r *Reader) Read(ctx context.Context) (metals.Prices, decimal.Decimal) {
	prices, aux, err := r.read(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("on-chain read failed, substituting zero sentinel")
		return metals.Prices{}, decimal.Zero
	}
	return prices, aux
}

func (r *Reader) read(ctx context.Context) (metals.Prices, decimal.Decimal, error) {
	if r.opts.RPCURL == "" {
		return metals.Prices{}, decimal.Zero, errors.New("ethereum rpc url not configured")
	}
	if r.opts.OracleAddress == "" {
		return metals.Prices{}, decimal.Zero, errors.New("oracle contract address not configured")
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}

	addr := common.HexToAddress(r.opts.OracleAddress)
	payload, err := oracleABI.Pack("getAllPrices")
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}

	outputs, err := oracleABI.Unpack("getAllPrices", res)
	if err != nil {
		return metals.Prices{}, decimal.Zero, err
	}
	if len(outputs) != 5 {
		return metals.Prices{}, decimal.Zero, fmt.Errorf("unexpected getAllPrices response length %d", len(outputs))
	}

	values := make([]*big.Int, 0, 5)
	for _, out := range outputs {
		v, ok := out.(*big.Int)
		if !ok {
			return metals.Prices{}, decimal.Zero, errors.New("failed to decode getAllPrices output")
		}
		values = append(values, v)
	}

	prices := metals.Prices{
		Gold:      FromE6(values[0]),
		Silver:    FromE6(values[1]),
		Platinum:  FromE6(values[2]),
		Palladium: FromE6(values[3]),
	}
	return prices, FromE6(values[4]), nil
}

func (r *Reader) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

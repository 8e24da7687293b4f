package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorV3ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ChainlinkOptions parameterise an on-chain AggregatorV3 feed.
type ChainlinkOptions struct {
	RPCURL  string
	Address string
	Timeout time.Duration
}

// Chainlink reads AggregatorV3Interface price feeds over Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	caller    ethereum.ContractCaller
	clientMux sync.Mutex

	decimals    uint8
	decimalsSet bool
}

// NewChainlink builds a feed that dials RPCURL on first use.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{opts: opts, logger: logger.With().Str("component", "chainlink_feed").Str("feed", opts.Address).Logger()}
}

// NewChainlinkWithCaller builds a feed on top of an existing contract caller.
func NewChainlinkWithCaller(address string, caller ethereum.ContractCaller, logger zerolog.Logger) *Chainlink {
	feed := NewChainlink(ChainlinkOptions{Address: address}, logger)
	feed.caller = caller
	return feed
}

// LatestReading calls latestRoundData and returns the answer with its update time.
func (c *Chainlink) LatestReading(ctx context.Context) (Reading, error) {
	if c.opts.Address == "" {
		return Reading{}, errors.New("feed contract address not configured")
	}
	if !common.IsHexAddress(c.opts.Address) {
		return Reading{}, fmt.Errorf("invalid feed contract address %q", c.opts.Address)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return Reading{}, err
	}

	addr := common.HexToAddress(c.opts.Address)

	decimals, err := c.feedDecimals(ctx, caller, addr)
	if err != nil {
		return Reading{}, err
	}

	outputs, err := c.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return Reading{}, err
	}
	if len(outputs) != 5 {
		return Reading{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Reading{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Reading{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if !updatedAt.IsInt64() {
		return Reading{}, errors.New("latestRoundData updatedAt out of range")
	}

	return Reading{
		Value:      answer,
		Decimals:   decimals,
		ObservedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// feedDecimals caches decimals(), which aggregators never change.
func (c *Chainlink) feedDecimals(ctx context.Context, caller ethereum.ContractCaller, addr common.Address) (uint8, error) {
	c.clientMux.Lock()
	if c.decimalsSet {
		d := c.decimals
		c.clientMux.Unlock()
		return d, nil
	}
	c.clientMux.Unlock()

	outputs, err := c.call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals = decimals
	c.decimalsSet = true
	c.clientMux.Unlock()
	return decimals, nil
}

func (c *Chainlink) call(ctx context.Context, caller ethereum.ContractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}

	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	return aggregatorV3ABI.Unpack(method, res)
}

func (c *Chainlink) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	c.logger.Debug().Msg("dialled ethereum rpc")
	return client, nil
}

var _ PriceFeed = (*Chainlink)(nil)

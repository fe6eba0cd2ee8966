package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// DefaultGasLimit caps a single deployment.
	DefaultGasLimit uint64 = 6_000_000

	defaultPollInterval = time.Second
	subscriptionBuffer  = 64
)

var (
	// ErrMissingBytecode is returned when an artifact cannot be deployed.
	ErrMissingBytecode = errors.New("ledger: contract bytecode missing")
	// ErrGasLimitExceeded is returned when the estimate exceeds the configured cap.
	ErrGasLimitExceeded = errors.New("ledger: gas estimate exceeds limit")
)

// EthClient implements Client over an Ethereum JSON-RPC endpoint. Deployment
// transactions are signed by the node (eth_sendTransaction), so the sending
// account must be managed by the node.
type EthClient struct {
	rpc       *rpc.Client
	eth       *ethclient.Client
	artifacts map[ContractKind]*Artifact
	gasLimit  uint64
	poll      time.Duration
	log       *slog.Logger
}

// EthOption configures an EthClient.
type EthOption func(*EthClient)

// WithGasLimit overrides DefaultGasLimit.
func WithGasLimit(limit uint64) EthOption {
	return func(c *EthClient) {
		if limit > 0 {
			c.gasLimit = limit
		}
	}
}

// WithPollInterval sets how often receipts are polled while deploying.
func WithPollInterval(d time.Duration) EthOption {
	return func(c *EthClient) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) EthOption {
	return func(c *EthClient) {
		if log != nil {
			c.log = log
		}
	}
}

// Dial connects to url. A websocket or IPC endpoint is required for
// subscriptions.
func Dial(ctx context.Context, url string, artifacts map[ContractKind]*Artifact, opts ...EthOption) (*EthClient, error) {
	if url == "" {
		return nil, fmt.Errorf("ledger: empty rpc url")
	}
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", url, err)
	}
	c := &EthClient{
		rpc:       rc,
		eth:       ethclient.NewClient(rc),
		artifacts: artifacts,
		gasLimit:  DefaultGasLimit,
		poll:      defaultPollInterval,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}

func (c *EthClient) artifact(kind ContractKind) (*Artifact, error) {
	art, ok := c.artifacts[kind]
	if !ok {
		return nil, fmt.Errorf("ledger: no artifact loaded for %s", kind)
	}
	return art, nil
}

func (c *EthClient) deployData(kind ContractKind, args ...any) ([]byte, error) {
	art, err := c.artifact(kind)
	if err != nil {
		return nil, err
	}
	if len(art.Bytecode) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingBytecode, art.Name)
	}
	input, err := art.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s constructor: %w", art.Name, err)
	}
	data := make([]byte, 0, len(art.Bytecode)+len(input))
	data = append(data, art.Bytecode...)
	return append(data, input...), nil
}

// EstimateCost implements Client.
func (c *EthClient) EstimateCost(ctx context.Context, kind ContractKind, from common.Address, args ...any) (uint64, error) {
	data, err := c.deployData(kind, args...)
	if err != nil {
		return 0, err
	}
	return c.estimate(ctx, from, data)
}

func (c *EthClient) estimate(ctx context.Context, from common.Address, data []byte) (uint64, error) {
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, Data: data})
	if err != nil {
		return 0, fmt.Errorf("ledger: estimate gas: %w", err)
	}
	if gas > c.gasLimit {
		return 0, fmt.Errorf("%w: %d > %d", ErrGasLimitExceeded, gas, c.gasLimit)
	}
	return gas, nil
}

// Deploy implements Client.
func (c *EthClient) Deploy(ctx context.Context, kind ContractKind, from common.Address, args ...any) (common.Address, error) {
	data, err := c.deployData(kind, args...)
	if err != nil {
		return common.Address{}, err
	}
	gas, err := c.estimate(ctx, from, data)
	if err != nil {
		return common.Address{}, err
	}
	// pad the estimate by a fifth, the node refunds what is unused
	gas = min(gas+gas/5, c.gasLimit)

	tx := map[string]any{
		"from": from,
		"data": hexutil.Bytes(data),
		"gas":  hexutil.Uint64(gas),
	}
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return common.Address{}, fmt.Errorf("ledger: send %s deployment: %w", kind, err)
	}
	c.log.Debug("deployment sent", "kind", kind, "tx", hash.Hex(), "gas", gas)

	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: await %s deployment %s: %w", kind, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, fmt.Errorf("ledger: %s deployment %s reverted", kind, hash.Hex())
	}
	return receipt.ContractAddress, nil
}

func (c *EthClient) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BlockNumber implements Client.
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: block number: %w", err)
	}
	return n, nil
}

func (c *EthClient) query(filter Filter) (ethereum.FilterQuery, *Artifact, error) {
	art, err := c.artifact(filter.Kind)
	if err != nil {
		return ethereum.FilterQuery{}, nil, err
	}
	ev, ok := art.ABI.Events[filter.Event]
	if !ok {
		return ethereum.FilterQuery{}, nil, fmt.Errorf("ledger: %s has no event %s", art.Name, filter.Event)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{filter.Address},
		Topics:    [][]common.Hash{{ev.ID}},
	}, art, nil
}

// FilterEvents implements Client.
func (c *EthClient) FilterEvents(ctx context.Context, filter Filter, toBlock uint64) ([]Event, error) {
	q, art, err := c.query(filter)
	if err != nil {
		return nil, err
	}
	q.FromBlock = new(big.Int).SetUint64(filter.FromBlock)
	q.ToBlock = new(big.Int).SetUint64(toBlock)

	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ledger: filter %s: %w", filter, err)
	}
	out := make([]Event, 0, len(logs))
	for _, l := range logs {
		ev, err := decodeLog(art, filter.Kind, filter.Event, l)
		if err != nil {
			c.log.Warn("skipping undecodable log", "filter", filter.String(), "tx", l.TxHash.Hex(), "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Subscribe implements Client.
func (c *EthClient) Subscribe(ctx context.Context, filter Filter, sink chan<- Event) (Subscription, error) {
	q, art, err := c.query(filter)
	if err != nil {
		return nil, err
	}
	logs := make(chan types.Log, subscriptionBuffer)
	inner, err := c.eth.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, fmt.Errorf("ledger: subscribe %s: %w", filter, err)
	}
	s := &logSubscription{
		inner: inner,
		errc:  make(chan error, 1),
		quit:  make(chan struct{}),
	}
	go s.pump(ctx, c.log, art, filter, logs, sink)
	return s, nil
}

type logSubscription struct {
	inner ethereum.Subscription
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *logSubscription) pump(ctx context.Context, log *slog.Logger, art *Artifact, filter Filter, logs <-chan types.Log, sink chan<- Event) {
	for {
		select {
		case l := <-logs:
			ev, err := decodeLog(art, filter.Kind, filter.Event, l)
			if err != nil {
				log.Warn("skipping undecodable log", "filter", filter.String(), "tx", l.TxHash.Hex(), "error", err)
				continue
			}
			select {
			case sink <- ev:
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			}
		case err := <-s.inner.Err():
			if err != nil {
				s.errc <- err
			}
			return
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *logSubscription) Err() <-chan error { return s.errc }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.inner.Unsubscribe()
	})
}

package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the ledger surface consumed by the reconciliation engine.
type Client interface {
	// Deploy creates a contract instance and blocks until it is mined.
	Deploy(ctx context.Context, kind ContractKind, from common.Address, args ...any) (common.Address, error)
	// EstimateCost returns the gas a deployment is expected to consume.
	EstimateCost(ctx context.Context, kind ContractKind, from common.Address, args ...any) (uint64, error)
	// Subscribe streams live events matching filter into sink. FromBlock is
	// ignored; callers catch up with FilterEvents. The subscription ends when
	// ctx is cancelled, when Unsubscribe is called, or when a transport error
	// is reported on Err.
	Subscribe(ctx context.Context, filter Filter, sink chan<- Event) (Subscription, error)
	// FilterEvents returns historical events in [filter.FromBlock, toBlock].
	FilterEvents(ctx context.Context, filter Filter, toBlock uint64) ([]Event, error)
	// BlockNumber returns the current head.
	BlockNumber(ctx context.Context) (uint64, error)
}

// Subscription is a live event stream.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Filter selects one event type emitted by one contract instance.
type Filter struct {
	Address   common.Address
	Kind      ContractKind
	Event     string
	FromBlock uint64
}

func (f Filter) String() string {
	return fmt.Sprintf("%s/%s@%s", f.Kind, f.Event, FormatAddress(f.Address))
}

// Event is a decoded contract log.
type Event struct {
	Kind        ContractKind
	Name        string
	Address     common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	// Removed is set when the log was reverted by a chain reorganisation.
	Removed bool
	Fields  map[string]any
}

// Key identifies the log uniquely across redeliveries.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

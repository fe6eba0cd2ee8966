package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

func decodeLog(art *Artifact, kind ContractKind, name string, l types.Log) (Event, error) {
	ev, ok := art.ABI.Events[name]
	if !ok {
		return Event{}, fmt.Errorf("ledger: %s has no event %s", art.Name, name)
	}
	if len(l.Topics) == 0 || l.Topics[0] != ev.ID {
		return Event{}, fmt.Errorf("ledger: log topic does not match %s", name)
	}

	fields := make(map[string]any, len(ev.Inputs))
	if len(l.Data) > 0 {
		if err := art.ABI.UnpackIntoMap(fields, name, l.Data); err != nil {
			return Event{}, fmt.Errorf("ledger: unpack %s data: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("ledger: parse %s topics: %w", name, err)
		}
	}

	return Event{
		Kind:        kind,
		Name:        name,
		Address:     l.Address,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Removed:     l.Removed,
		Fields:      fields,
	}, nil
}

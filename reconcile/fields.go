package reconcile

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"leasechain/ledger"
)

// errMissingField is wrapped when a decoded event lacks an expected argument.
var errMissingField = errors.New("missing event field")

func bigField(ev ledger.Event, name string) (*big.Int, error) {
	v, ok := ev.Fields[name]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w %q", errMissingField, name)
	}
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case uint32:
		return big.NewInt(int64(n)), nil
	case uint8:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, fmt.Errorf("event field %q has type %T", name, v)
	}
}

func indexField(ev ledger.Event, name string) (int64, error) {
	n, err := bigField(ev, name)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() || n.Sign() < 0 {
		return 0, fmt.Errorf("event field %q out of range: %s", name, n)
	}
	return n.Int64(), nil
}

func etherField(ev ledger.Event, name string) (decimal.Decimal, error) {
	n, err := bigField(ev, name)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.EtherFromWei(n), nil
}

func timeField(ev ledger.Event, name string) (time.Time, error) {
	n, err := bigField(ev, name)
	if err != nil {
		return time.Time{}, err
	}
	if !n.IsInt64() {
		return time.Time{}, fmt.Errorf("event field %q out of range: %s", name, n)
	}
	return time.Unix(n.Int64(), 0).UTC(), nil
}

func addressField(ev ledger.Event, name string) (common.Address, error) {
	v, ok := ev.Fields[name]
	if !ok || v == nil {
		return common.Address{}, fmt.Errorf("%w %q", errMissingField, name)
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("event field %q has type %T", name, v)
	}
	return addr, nil
}

func stringField(ev ledger.Event, name string) (string, error) {
	v, ok := ev.Fields[name]
	if !ok || v == nil {
		return "", fmt.Errorf("%w %q", errMissingField, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("event field %q has type %T", name, v)
	}
	return s, nil
}

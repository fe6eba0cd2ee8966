package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// WeiFromEther converts an ether amount to wei, truncating sub-wei digits.
func WeiFromEther(amount decimal.Decimal) *big.Int {
	return amount.Shift(etherDecimals).BigInt()
}

// EtherFromWei converts wei to an ether amount.
func EtherFromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -etherDecimals)
}

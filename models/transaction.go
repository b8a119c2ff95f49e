package models

import (
	"fmt"
	"math/big"
)

// Transaction is the confirmed result of one on-chain root submission.
type Transaction struct {
	// Chain is the CAIP-2 chain id, e.g. "eip155:1337".
	Chain          string
	TxHash         string
	BlockNumber    uint64
	BlockTimestamp uint64
}

// CAIP2ChainID formats an EIP-155 chain id as a CAIP-2 identifier.
func CAIP2ChainID(chainID *big.Int) string {
	return fmt.Sprintf("eip155:%s", chainID.String())
}

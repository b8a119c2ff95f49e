// Package testing provides a scriptable in-memory eth.Client.
package testing

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// FakeClient simulates the provider side of anchor submissions. Behaviour is
// scripted per test through the exported knobs.
type FakeClient struct {
	mu sync.Mutex

	// Chain configures the provider's chain id.
	Chain *big.Int
	// Nonce is handed out by PendingNonceAt.
	Nonce uint64
	// Balance is the wallet balance.
	Balance *big.Int
	// BaseFee enables EIP-1559 pricing when non-nil.
	BaseFee *big.Int
	// TipCap is the suggested priority fee; nil makes SuggestGasTipCap fail
	// so the submitter falls back to legacy pricing.
	TipCap *big.Int
	// GasPrice is the legacy suggestion.
	GasPrice *big.Int
	// Gas is the estimate returned for every call.
	Gas uint64
	// SendErrs is consumed one per SendTransaction call; nil entries mean
	// success.
	SendErrs []error
	// OnSend, when set, is invoked for every SendTransaction before the
	// transaction is recorded. Returning an error rejects the send. The hook
	// runs unlocked, so it may call MineTx.
	OnSend func(tx *types.Transaction) error
	// MineAfterPolls mines the most recent accepted transaction once its
	// receipt has been polled this many times. Zero mines immediately.
	MineAfterPolls int
	// FailReceipt marks mined receipts as reverted.
	FailReceipt bool

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int
	headTime uint64
}

// NewFakeClient returns a provider for chain id 1337 with ample balance and
// EIP-1559 enabled.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Chain:    big.NewInt(1337),
		Balance:  new(big.Int).Mul(big.NewInt(1e18), big.NewInt(100)),
		BaseFee:  big.NewInt(1_000_000_000),
		TipCap:   big.NewInt(100_000_000),
		GasPrice: big.NewInt(2_000_000_000),
		Gas:      30_000,
		receipts: make(map[common.Hash]*types.Receipt),
		polls:    make(map[common.Hash]int),
		headTime: 1_700_000_000,
	}
}

// Sent returns the transactions accepted so far.
func (f *FakeClient) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// MineTx force-mines a specific transaction at the given block.
func (f *FakeClient) MineTx(tx *types.Transaction, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked(tx, block)
}

func (f *FakeClient) mineLocked(tx *types.Transaction, block uint64) {
	status := types.ReceiptStatusSuccessful
	if f.FailReceipt {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		TxHash:      tx.Hash(),
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(block),
	}
}

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.Chain), nil
}

func (f *FakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonce, nil
}

func (f *FakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.Balance), nil
}

func (f *FakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	header := &types.Header{Time: f.headTime, Number: big.NewInt(0)}
	if number != nil {
		header.Number = new(big.Int).Set(number)
	}
	if f.BaseFee != nil {
		header.BaseFee = new(big.Int).Set(f.BaseFee)
	}
	return header, nil
}

func (f *FakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.TipCap == nil {
		return nil, errors.New("method eth_maxPriorityFeePerGas does not exist")
	}
	return new(big.Int).Set(f.TipCap), nil
}

func (f *FakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.Gas, nil
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.OnSend != nil {
		if err := f.OnSend(tx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	if f.MineAfterPolls == 0 {
		f.mineLocked(tx, uint64(len(f.receipts)+1))
	}
	return nil
}

func (f *FakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	f.polls[txHash]++
	if f.MineAfterPolls > 0 && f.polls[txHash] >= f.MineAfterPolls {
		for _, tx := range f.sent {
			if tx.Hash() == txHash {
				f.mineLocked(tx, uint64(len(f.receipts)+1))
				return f.receipts[txHash], nil
			}
		}
	}
	return nil, ethereum.NotFound
}

// Package eth anchors Merkle roots on an Ethereum chain. The submitter builds,
// signs, and sends the anchor transaction, bumping fees across retries and
// recovering when an earlier attempt with the same nonce was mined.
package eth

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "eth")

var (
	// ErrInsufficientFunds aborts a submission whose worst-case cost exceeds
	// the wallet balance. Not retried.
	ErrInsufficientFunds = errors.New("eth: insufficient funds for anchor transaction")
	// ErrWrongChain aborts a submission when the provider answers for a chain
	// other than the configured one.
	ErrWrongChain = errors.New("eth: provider chain id mismatch")
	// ErrSubmissionFailed is returned when the retry budget is exhausted.
	ErrSubmissionFailed = errors.New("eth: anchor transaction submission failed")
)

// Client is the subset of ethclient.Client the submitter needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config tunes the submission engine.
type Config struct {
	// RPCEndpoint is the provider URL.
	RPCEndpoint string
	// PrivateKey is the hex-encoded wallet key (no 0x prefix).
	PrivateKey string
	// ChainID is the expected chain; submissions abort if the provider
	// disagrees.
	ChainID int64
	// ContractAddress switches to contract mode when non-empty: the root is
	// anchored via anchorDagCbor(bytes32) instead of a self-transaction.
	ContractAddress string
	// GasLimit overrides the provider's gas estimate when non-zero.
	GasLimit uint64
	// MaxRetries bounds submission attempts.
	MaxRetries int
	// TransactionTimeout bounds the wait for each attempt to be mined.
	TransactionTimeout time.Duration
	// ReceiptPollInterval is the delay between receipt polls.
	ReceiptPollInterval time.Duration
}

// anchorMethodSignature is the contract-mode entry point. Its transactions
// carry the txType marker in the anchor proof.
const anchorMethodSignature = "anchorDagCbor(bytes32)"

// TxCID wraps a transaction hash as an eth-tx CID: the 32-byte hash becomes a
// keccak-256 multihash digest under the eth-tx codec, without rehashing.
func TxCID(txHash common.Hash) (cid.Cid, error) {
	digest, err := mh.Encode(txHash.Bytes(), mh.KECCAK_256)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "encoding tx hash multihash")
	}
	return cid.NewCidV1(cid.EthTx, digest), nil
}

package eth

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-cas/clock"
	ethtest "github.com/ceramicnetwork/go-cas/eth/testing"
)

// A throwaway development key.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testConfig() Config {
	return Config{
		PrivateKey:          testKey,
		ChainID:             1337,
		MaxRetries:          3,
		TransactionTimeout:  20 * time.Millisecond,
		ReceiptPollInterval: time.Millisecond,
	}
}

func testRoot(t *testing.T) cid.Cid {
	t.Helper()
	digest, err := mh.Sum([]byte("merkle-root"), mh.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.DagCBOR, digest)
}

func newTestSubmitter(t *testing.T, client *ethtest.FakeClient, mutate func(*Config)) *Submitter {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSubmitter(context.Background(), client, cfg, clock.New())
	require.NoError(t, err)
	return s
}

func TestAnchor_SelfTransactionWithDynamicFees(t *testing.T) {
	client := ethtest.NewFakeClient()
	s := newTestSubmitter(t, client, nil)
	root := testRoot(t)

	confirmed, err := s.Anchor(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, "eip155:1337", confirmed.Chain)
	require.NotZero(t, confirmed.BlockNumber)
	require.NotZero(t, confirmed.BlockTimestamp)

	sent := client.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, root.Bytes(), tx.Data())
	require.Equal(t, s.Wallet(), *tx.To())
	require.Equal(t, tx.Hash().Hex(), confirmed.TxHash)
}

func TestAnchor_ContractMode(t *testing.T) {
	client := ethtest.NewFakeClient()
	contract := "0x89580cB8EE59EE57a7E9B28FE2BEa79bEe7F0F53"
	s := newTestSubmitter(t, client, func(cfg *Config) {
		cfg.ContractAddress = contract
	})
	root := testRoot(t)

	_, err := s.Anchor(context.Background(), root)
	require.NoError(t, err)

	tx := client.Sent()[0]
	require.Equal(t, common.HexToAddress(contract), *tx.To())
	require.Len(t, tx.Data(), 36)
	selector := crypto.Keccak256([]byte("anchorDagCbor(bytes32)"))[:4]
	require.Equal(t, selector, tx.Data()[:4])
	decoded, err := mh.Decode(root.Hash())
	require.NoError(t, err)
	require.Equal(t, decoded.Digest, tx.Data()[4:])
}

func TestAnchor_LegacyGasPriceFallback(t *testing.T) {
	client := ethtest.NewFakeClient()
	client.TipCap = nil
	s := newTestSubmitter(t, client, nil)

	_, err := s.Anchor(context.Background(), testRoot(t))
	require.NoError(t, err)

	tx := client.Sent()[0]
	require.Equal(t, uint8(types.LegacyTxType), tx.Type())
	require.Equal(t, client.GasPrice, tx.GasPrice())
}

func TestNewSubmitter_WrongChain(t *testing.T) {
	client := ethtest.NewFakeClient()
	cfg := testConfig()
	cfg.ChainID = 1
	_, err := NewSubmitter(context.Background(), client, cfg, clock.New())
	require.ErrorIs(t, err, ErrWrongChain)
}

func TestAnchor_InsufficientFunds(t *testing.T) {
	client := ethtest.NewFakeClient()
	client.Balance = big.NewInt(1)
	s := newTestSubmitter(t, client, nil)

	_, err := s.Anchor(context.Background(), testRoot(t))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Empty(t, client.Sent())
}

func TestAnchor_FeeBumpKeepsNonce(t *testing.T) {
	client := ethtest.NewFakeClient()
	client.MineAfterPolls = 1 << 30
	sends := 0
	client.OnSend = func(tx *types.Transaction) error {
		sends++
		if sends == 2 {
			// Second attempt gets mined right away.
			client.MineTx(tx, 2)
		}
		return nil
	}
	s := newTestSubmitter(t, client, nil)

	confirmed, err := s.Anchor(context.Background(), testRoot(t))
	require.NoError(t, err)

	sent := client.Sent()
	require.Len(t, sent, 2)
	first, second := sent[0], sent[1]
	require.Equal(t, first.Nonce(), second.Nonce())
	require.Equal(t, second.Hash().Hex(), confirmed.TxHash)

	// The bump must raise the priority fee by at least 10%.
	floor := new(big.Int).Mul(first.GasTipCap(), big.NewInt(110))
	floor.Div(floor, big.NewInt(100))
	require.True(t, second.GasTipCap().Cmp(floor) >= 0,
		"tip %s below bump floor %s", second.GasTipCap(), floor)
}

func TestAnchor_NonceExpiredRecovery(t *testing.T) {
	client := ethtest.NewFakeClient()
	client.MineAfterPolls = 1 << 30
	var firstTx *types.Transaction
	sends := 0
	client.OnSend = func(tx *types.Transaction) error {
		sends++
		if sends == 1 {
			firstTx = tx
			return nil
		}
		// The first attempt was mined after all; its nonce is consumed.
		client.MineTx(firstTx, 7)
		return errors.New("nonce too low")
	}
	s := newTestSubmitter(t, client, nil)

	confirmed, err := s.Anchor(context.Background(), testRoot(t))
	require.NoError(t, err)
	require.Equal(t, firstTx.Hash().Hex(), confirmed.TxHash)
	require.Equal(t, uint64(7), confirmed.BlockNumber)
}

func TestAnchor_RevertedTransaction(t *testing.T) {
	client := ethtest.NewFakeClient()
	client.FailReceipt = true
	s := newTestSubmitter(t, client, nil)

	_, err := s.Anchor(context.Background(), testRoot(t))
	require.ErrorIs(t, err, ErrSubmissionFailed)
}

func TestAnchor_RetryBudgetExhausted(t *testing.T) {
	client := ethtest.NewFakeClient()
	client.SendErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
	}
	s := newTestSubmitter(t, client, nil)

	_, err := s.Anchor(context.Background(), testRoot(t))
	require.ErrorIs(t, err, ErrSubmissionFailed)
	require.Empty(t, client.Sent())
}

func TestTxCID(t *testing.T) {
	txHash := common.HexToHash("0x3b1f9a1e7a1f4ca1f8eab8462fa42ac1b6a1b8f0c2ab0ce432cfd45da62c2f11")
	c, err := TxCID(txHash)
	require.NoError(t, err)
	require.Equal(t, uint64(cid.EthTx), c.Type())

	decoded, err := mh.Decode(c.Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(mh.KECCAK_256), decoded.Code)
	require.Equal(t, txHash.Bytes(), decoded.Digest)
}

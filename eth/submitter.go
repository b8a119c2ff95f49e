package eth

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/clock"
	"github.com/ceramicnetwork/go-cas/models"
)

// errReceiptTimeout means the attempt was not mined within the transaction
// timeout; the submitter retries with bumped fees on the same nonce.
var errReceiptTimeout = errors.New("eth: timed out waiting for receipt")

// Submitter implements the anchor submission algorithm against a Client.
type Submitter struct {
	client   Client
	key      *ecdsa.PrivateKey
	wallet   common.Address
	contract *common.Address
	chainID  *big.Int
	cfg      Config
	clock    clock.Clock
}

// NewSubmitter builds a submitter from the config, verifying the provider is
// on the expected chain.
func NewSubmitter(ctx context.Context, client Client, cfg Config, clk clock.Clock) (*Submitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing wallet private key")
	}
	s := &Submitter{
		client: client,
		key:    key,
		wallet: crypto.PubkeyToAddress(key.PublicKey),
		cfg:    cfg,
		clock:  clk,
	}
	if cfg.ContractAddress != "" {
		addr := common.HexToAddress(cfg.ContractAddress)
		s.contract = &addr
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying provider chain id")
	}
	if chainID.Int64() != cfg.ChainID {
		return nil, errors.Wrapf(ErrWrongChain, "configured %d, provider %s", cfg.ChainID, chainID)
	}
	s.chainID = chainID
	return s, nil
}

// Wallet returns the submitting address.
func (s *Submitter) Wallet() common.Address {
	return s.wallet
}

// ChainID returns the verified chain id.
func (s *Submitter) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// UsesContract reports whether the submitter anchors via the contract entry
// point. Contract-mode proofs carry a txType marker.
func (s *Submitter) UsesContract() bool {
	return s.contract != nil
}

// txData renders the transaction payload for the root.
func (s *Submitter) txData(root cid.Cid) ([]byte, error) {
	if s.contract == nil {
		return root.Bytes(), nil
	}
	decoded, err := mh.Decode(root.Hash())
	if err != nil {
		return nil, errors.Wrap(err, "decoding root multihash")
	}
	if len(decoded.Digest) != 32 {
		return nil, errors.Errorf("root digest is %d bytes, want 32", len(decoded.Digest))
	}
	selector := crypto.Keccak256([]byte(anchorMethodSignature))[:4]
	return append(selector, decoded.Digest...), nil
}

func (s *Submitter) txTarget() common.Address {
	if s.contract != nil {
		return *s.contract
	}
	return s.wallet
}

// fees carries one attempt's pricing; either the dynamic pair or gasPrice is
// set.
type fees struct {
	dynamic   bool
	gasTipCap *big.Int
	gasFeeCap *big.Int
	gasPrice  *big.Int
}

func (f *fees) perGas() *big.Int {
	if f.dynamic {
		return f.gasFeeCap
	}
	return f.gasPrice
}

// bump multiplies v by (10+attempt)/10, floored at prev*110/100.
func bump(estimate, prev *big.Int, attempt int) *big.Int {
	scaled := new(big.Int).Mul(estimate, big.NewInt(int64(10+attempt)))
	scaled.Div(scaled, big.NewInt(10))
	if prev == nil {
		return scaled
	}
	floor := new(big.Int).Mul(prev, big.NewInt(110))
	floor.Div(floor, big.NewInt(100))
	if floor.Cmp(scaled) > 0 {
		return floor
	}
	return scaled
}

// estimateFees prices the attempt. EIP-1559 is used when the provider
// suggests a tip and the head block carries a base fee; otherwise legacy gas
// pricing.
func (s *Submitter) estimateFees(ctx context.Context, attempt int, prev *fees) (*fees, error) {
	tip, tipErr := s.client.SuggestGasTipCap(ctx)
	if tipErr == nil {
		head, err := s.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "fetching head for base fee")
		}
		if head.BaseFee != nil {
			var prevTip *big.Int
			if prev != nil && prev.dynamic {
				prevTip = prev.gasTipCap
			}
			priority := bump(tip, prevTip, attempt)
			return &fees{
				dynamic:   true,
				gasTipCap: priority,
				gasFeeCap: new(big.Int).Add(head.BaseFee, priority),
			}, nil
		}
	}
	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "suggesting gas price")
	}
	var prevPrice *big.Int
	if prev != nil && !prev.dynamic {
		prevPrice = prev.gasPrice
	}
	return &fees{gasPrice: bump(price, prevPrice, attempt)}, nil
}

// Anchor puts the root on chain and returns the confirmed transaction. Across
// retries the nonce is held fixed so at most one attempt can ever be mined.
func (s *Submitter) Anchor(ctx context.Context, root cid.Cid) (*models.Transaction, error) {
	data, err := s.txData(root)
	if err != nil {
		return nil, err
	}
	to := s.txTarget()

	nonce, err := s.client.PendingNonceAt(ctx, s.wallet)
	if err != nil {
		return nil, errors.Wrap(err, "fetching wallet nonce")
	}

	var (
		prev    *fees
		sent    []*types.Transaction
		lastErr error
	)
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		attemptLog := log.WithFields(map[string]interface{}{
			"root":    root.String(),
			"nonce":   nonce,
			"attempt": attempt + 1,
		})

		price, err := s.estimateFees(ctx, attempt, prev)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			attemptLog.WithError(err).Warn("fee estimation failed")
			continue
		}
		prev = price

		gasLimit := s.cfg.GasLimit
		if gasLimit == 0 {
			gasLimit, err = s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.wallet, To: &to, Data: data})
			if err != nil {
				lastErr = errors.Wrap(err, "estimating gas limit")
				attemptLog.WithError(err).Warn("gas estimation failed")
				continue
			}
		}

		if err := s.checkBalance(ctx, gasLimit, price); err != nil {
			return nil, err
		}

		tx, err := s.signTx(nonce, to, gasLimit, data, price)
		if err != nil {
			return nil, err
		}

		if err := s.client.SendTransaction(ctx, tx); err != nil {
			if isNonceExpired(err) {
				// A previous attempt with this nonce was mined.
				attemptLog.Info("nonce consumed, confirming a prior attempt")
				return s.confirmPriorAttempt(ctx, sent)
			}
			if isInsufficientFunds(err) {
				return nil, errors.Wrap(ErrInsufficientFunds, err.Error())
			}
			lastErr = errors.Wrap(err, "sending transaction")
			attemptLog.WithError(err).Warn("send failed")
			continue
		}
		sent = append(sent, tx)
		attemptLog.WithField("txHash", tx.Hash().Hex()).Info("anchor transaction sent")

		confirmed, err := s.confirm(ctx, tx)
		if err == nil {
			return confirmed, nil
		}
		if errors.Is(err, errReceiptTimeout) {
			lastErr = err
			attemptLog.Warn("transaction not mined in time, bumping fees")
			continue
		}
		return nil, err
	}
	return nil, errors.Wrapf(ErrSubmissionFailed, "after %d attempts: %v", s.cfg.MaxRetries, lastErr)
}

// checkBalance aborts when the attempt's worst-case cost exceeds the wallet
// balance.
func (s *Submitter) checkBalance(ctx context.Context, gasLimit uint64, price *fees) error {
	balance, err := s.client.BalanceAt(ctx, s.wallet, nil)
	if err != nil {
		return errors.Wrap(err, "fetching wallet balance")
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), price.perGas())
	if cost.Cmp(balance) > 0 {
		return errors.Wrapf(ErrInsufficientFunds, "cost %s, balance %s", cost, balance)
	}
	return nil
}

func (s *Submitter) signTx(nonce uint64, to common.Address, gasLimit uint64, data []byte, price *fees) (*types.Transaction, error) {
	var inner types.TxData
	if price.dynamic {
		inner = &types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: price.gasTipCap,
			GasFeeCap: price.gasFeeCap,
			Gas:       gasLimit,
			To:        &to,
			Data:      data,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price.gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Data:     data,
		}
	}
	tx, err := types.SignNewTx(s.key, types.LatestSignerForChainID(s.chainID), inner)
	return tx, errors.Wrap(err, "signing transaction")
}

// confirm waits for tx to be mined and verifies it succeeded.
func (s *Submitter) confirm(ctx context.Context, tx *types.Transaction) (*models.Transaction, error) {
	receipt, err := s.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.Wrapf(ErrSubmissionFailed, "transaction %s reverted", tx.Hash().Hex())
	}
	header, err := s.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, errors.Wrap(err, "fetching anchor block")
	}
	return &models.Transaction{
		Chain:          models.CAIP2ChainID(s.chainID),
		TxHash:         tx.Hash().Hex(),
		BlockNumber:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: header.Time,
	}, nil
}

// waitReceipt polls for the receipt until the transaction timeout.
func (s *Submitter) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := s.clock.Now().Add(s.cfg.TransactionTimeout)
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			return nil, errors.Wrap(err, "polling transaction receipt")
		}
		if !s.clock.Now().Before(deadline) {
			return nil, errors.Wrapf(errReceiptTimeout, "tx %s", txHash.Hex())
		}
		if err := s.clock.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return nil, err
		}
	}
}

// confirmPriorAttempt walks earlier attempts newest-first looking for the one
// that consumed the nonce.
func (s *Submitter) confirmPriorAttempt(ctx context.Context, sent []*types.Transaction) (*models.Transaction, error) {
	var lastErr error
	for i := len(sent) - 1; i >= 0; i-- {
		confirmed, err := s.confirm(ctx, sent[i])
		if err == nil {
			return confirmed, nil
		}
		lastErr = err
		log.WithError(err).WithField("txHash", sent[i].Hash().Hex()).
			Debug("prior attempt not confirmed")
	}
	return nil, errors.Wrapf(ErrSubmissionFailed, "no prior attempt confirmed: %v", lastErr)
}

func isNonceExpired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "nonce too low")
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(err.Error(), "insufficient funds")
}

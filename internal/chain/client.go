// Package chain provides the escrow contract client: typed submission of
// bounty transactions, confirmation waiting, and receipt event decoding for
// the on-chain Q&A escrow contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/braintheria/bounty_layer/pkg/logger"
)

// Backend is the subset of the Ethereum client the escrow client needs.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds escrow client configuration.
type Config struct {
	RPCURL          string
	PrivateKey      string // hex, no 0x prefix required
	ContractAddress string
	ChainID         int64
	GasLimit        uint64        // 0 selects the default
	ConfirmTimeout  time.Duration // per AwaitReceipt call, 0 selects the default
	PollInterval    time.Duration
}

const (
	defaultGasLimit       = 3_000_000
	defaultConfirmTimeout = 90 * time.Second
	defaultPollInterval   = 2 * time.Second
)

// PendingTx is the handle returned immediately after submission. The
// transaction may or may not ever confirm; AwaitReceipt resolves it.
type PendingTx struct {
	Hash common.Hash
}

// Receipt is the decoded outcome of a confirmed transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
	Events      []Event
}

// Client submits transactions to and reads state from the escrow contract.
type Client struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	gasLimit uint64
	confirm  time.Duration
	poll     time.Duration
	decoders map[common.Hash]eventDecoder
	log      *logger.Logger

	// serialises nonce assignment across concurrent submissions
	submitMu sync.Mutex
}

// Dial connects to the RPC endpoint in cfg and builds a client.
func Dial(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return NewClient(eth, cfg, log)
}

// NewClient builds a client over an existing backend.
func NewClient(backend Backend, cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault("chain")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("contract address required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = defaultConfirmTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	chainID := big.NewInt(cfg.ChainID)
	return &Client{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		gasLimit: gasLimit,
		confirm:  confirm,
		poll:     poll,
		decoders: newDecodeTable(parsed),
		log:      log,
	}, nil
}

// SignerAddress returns the address transactions are sent from.
func (c *Client) SignerAddress() string { return c.from.Hex() }

// submit packs, signs and broadcasts a contract call, returning as soon as
// the node accepts it. All failures up to that point are SubmissionError
// except an immediate contract-side rejection, which surfaces as RevertError.
func (c *Client) submit(ctx context.Context, method string, value *big.Int, args ...interface{}) (*PendingTx, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("pack %s: %w", method, err)}
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("gas price: %w", err)}
	}

	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTransaction(nonce, c.contract, value, c.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, &SubmissionError{Err: fmt.Errorf("sign: %w", err)}
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if reason, reverted := revertReason(err); reverted {
			return nil, &RevertError{Reason: reason}
		}
		return nil, &SubmissionError{Err: err}
	}

	c.log.WithField("method", method).WithField("tx", signed.Hash().Hex()).Debug("transaction submitted")
	return &PendingTx{Hash: signed.Hash()}, nil
}

func revertReason(err error) (string, bool) {
	msg := err.Error()
	idx := strings.Index(strings.ToLower(msg), "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimLeft(msg[idx+len("execution reverted"):], ": ")
	return reason, true
}

// AwaitReceipt blocks until the transaction has the requested number of
// confirmations, then returns a receipt with decoded escrow events. Callers
// must not hold any off-chain lock other than the per-question guard while
// waiting. A local timeout yields ErrConfirmationTimeout; the transaction
// may still confirm afterwards.
func (c *Client) AwaitReceipt(ctx context.Context, pending *PendingTx, confirmations uint64) (*Receipt, error) {
	if pending == nil {
		return nil, fmt.Errorf("nil pending transaction")
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.confirm)
	defer cancel()

	receipt, err := c.waitMined(waitCtx, pending.Hash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConfirmationTimeout
		}
		return nil, err
	}

	if confirmations > 1 {
		if err := c.waitConfirmations(waitCtx, receipt.BlockNumber.Uint64(), confirmations); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrConfirmationTimeout
			}
			return nil, err
		}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertError{Reason: c.replayForReason(ctx, pending.Hash, receipt)}
	}

	return c.decodeReceipt(receipt), nil
}

// FindReceipt checks whether a previously submitted transaction has been
// mined, without blocking. Used by the recovery path to resolve ambiguous
// timeouts: (nil, nil) means still unknown.
func (c *Client) FindReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertError{Reason: c.replayForReason(ctx, common.HexToHash(txRef), receipt)}
	}
	return c.decodeReceipt(receipt), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) waitConfirmations(ctx context.Context, minedAt, confirmations uint64) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		head, err := c.backend.BlockNumber(ctx)
		if err == nil && head >= minedAt+confirmations-1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// replayForReason re-executes the failed transaction as a call at its mined
// block to recover the contract's revert reason. Best effort: an empty
// string means the node did not expose one.
func (c *Client) replayForReason(ctx context.Context, hash common.Hash, receipt *types.Receipt) string {
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:  c.from,
		To:    &c.contract,
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	ret, err := c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return reason
		}
		return ""
	}
	if reason, unpackErr := abi.UnpackRevert(ret); unpackErr == nil {
		return reason
	}
	return ""
}

func (c *Client) decodeReceipt(receipt *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     true,
	}
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Address != c.contract {
			continue
		}
		decoder, ok := c.decoders[lg.Topics[0]]
		if !ok {
			continue
		}
		ev, err := decoder(*lg)
		if err != nil {
			c.log.WithError(err).WithField("tx", out.TxHash).Warn("undecodable escrow event")
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

// --- Mutating calls ----------------------------------------------------------

// AskQuestion escrows the bounty and registers the question on-chain. For
// the native token (zero address) the bounty rides as transaction value.
func (c *Client) AskQuestion(ctx context.Context, token string, bounty *big.Int, deadline time.Time, uri string) (*PendingTx, error) {
	tokenAddr := common.HexToAddress(token)
	value := new(big.Int)
	if tokenAddr == (common.Address{}) && bounty != nil {
		value.Set(bounty)
	}
	if bounty == nil {
		bounty = new(big.Int)
	}
	return c.submit(ctx, "askQuestion", value, tokenAddr, bounty, uint64(deadline.Unix()), uri)
}

// AddBounty tops up the escrowed amount for an existing on-chain question.
func (c *Client) AddBounty(ctx context.Context, chainQID int64, amount *big.Int, nativeToken bool) (*PendingTx, error) {
	value := new(big.Int)
	if nativeToken && amount != nil {
		value.Set(amount)
	}
	return c.submit(ctx, "addBounty", value, big.NewInt(chainQID), amount)
}

// ReduceBounty lowers the escrow to newTotal, refunding the difference to
// the asker. New-total semantics: the contract rejects the call if its
// current balance is not strictly greater than newTotal.
func (c *Client) ReduceBounty(ctx context.Context, chainQID int64, newTotal *big.Int) (*PendingTx, error) {
	return c.submit(ctx, "reduceBounty", nil, big.NewInt(chainQID), newTotal)
}

// CancelQuestion refunds the full escrow to the asker and closes the
// on-chain question.
func (c *Client) CancelQuestion(ctx context.Context, chainQID int64) (*PendingTx, error) {
	return c.submit(ctx, "cancelQuestion", nil, big.NewInt(chainQID))
}

// RefundExpired refunds the escrow of a question whose deadline has passed.
func (c *Client) RefundExpired(ctx context.Context, chainQID int64) (*PendingTx, error) {
	return c.submit(ctx, "refundExpired", nil, big.NewInt(chainQID))
}

// PostAnswer registers an answer against an on-chain question.
func (c *Client) PostAnswer(ctx context.Context, chainQID int64, uri string) (*PendingTx, error) {
	return c.submit(ctx, "answerQuestion", nil, big.NewInt(chainQID), uri)
}

// AcceptAnswer releases the escrowed bounty to the answer's author.
func (c *Client) AcceptAnswer(ctx context.Context, chainQID, chainAID int64) (*PendingTx, error) {
	return c.submit(ctx, "acceptAnswerAsAdmin", nil, big.NewInt(chainQID), big.NewInt(chainAID))
}

// --- Read-only calls ---------------------------------------------------------

func (c *Client) view(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ret, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// BountyOf reads the authoritative escrowed balance of a question. This is
// the value the off-chain projection is refreshed from after every confirmed
// bounty mutation.
func (c *Client) BountyOf(ctx context.Context, chainQID int64) (*big.Int, error) {
	out, err := c.view(ctx, "bountyOf", big.NewInt(chainQID))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// QuestionCount reads the total number of on-chain questions.
func (c *Client) QuestionCount(ctx context.Context) (*big.Int, error) {
	out, err := c.view(ctx, "questionCount")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// OnChainQuestion mirrors the contract's question record.
type OnChainQuestion struct {
	Asker            common.Address
	Token            common.Address
	Bounty           *big.Int
	Deadline         uint64
	Status           uint8
	Uri              string
	AnswersCount     *big.Int
	AcceptedAnswerId *big.Int
	Refunded         bool
}

// GetQuestion reads the full on-chain question record, used by the recovery
// path to determine whether an ambiguous transaction actually took effect.
func (c *Client) GetQuestion(ctx context.Context, chainQID int64) (*OnChainQuestion, error) {
	out, err := c.view(ctx, "getQuestion", big.NewInt(chainQID))
	if err != nil {
		return nil, err
	}
	record := *abi.ConvertType(out[0], new(OnChainQuestion)).(*OnChainQuestion)
	return &record, nil
}

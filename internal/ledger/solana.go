package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/textpay/textpay/internal/address"
)

const defaultPollInterval = 500 * time.Millisecond

// RPCClient is the subset of the Solana JSON-RPC client the ledger uses.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// SolanaConfig configures the Solana ledger.
type SolanaConfig struct {
	Registry     solana.PublicKey
	Mint         solana.PublicKey
	Decimals     uint8
	Signer       solana.PrivateKey
	Commitment   rpc.CommitmentType
	PollInterval time.Duration
}

// SolanaLedger settles through the registry program on a Solana cluster.
type SolanaLedger struct {
	client RPCClient
	cfg    SolanaConfig
}

// NewSolana builds a Solana-backed ledger.
func NewSolana(client RPCClient, cfg SolanaConfig) (*SolanaLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	if len(cfg.Signer) == 0 {
		return nil, fmt.Errorf("signer keypair is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &SolanaLedger{client: client, cfg: cfg}, nil
}

// NewSolanaRPC dials endpoint with the stock JSON-RPC client.
func NewSolanaRPC(endpoint string, cfg SolanaConfig) (*SolanaLedger, error) {
	return NewSolana(rpc.New(endpoint), cfg)
}

// LoadSigner reads a base58 private key or, when empty, a solana-keygen JSON file.
func LoadSigner(base58Key, keypairPath string) (solana.PrivateKey, error) {
	if base58Key != "" {
		key, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return nil, fmt.Errorf("invalid signer keypair: %w", err)
		}
		return key, nil
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(keypairPath)
	if err != nil {
		return nil, fmt.Errorf("read signer keypair file: %w", err)
	}
	return key, nil
}

// Provision creates the owner and asset accounts unless the owner already exists.
func (l *SolanaLedger) Provision(ctx context.Context, identityHash string, pair address.Pair) error {
	exists, err := l.accountExists(ctx, pair.Owner)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyProvisioned
	}

	ix, err := initUserInstruction(l.cfg.Registry, l.cfg.Mint, l.payer(), identityHash, pair)
	if err != nil {
		return err
	}
	tx, _, err := l.buildSigned(ctx, ix)
	if err != nil {
		return err
	}
	if _, err := l.send(ctx, tx); err != nil {
		if alreadyInUse(err) {
			return ErrAlreadyProvisioned
		}
		return err
	}
	return l.awaitConfirmation(ctx, tx.Signatures[0])
}

// Prepare builds and signs the transfer. The transaction signature is the reference.
func (l *SolanaLedger) Prepare(ctx context.Context, transfer Transfer) (*Submission, error) {
	if transfer.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	ix, err := transferInstruction(l.cfg.Registry, l.cfg.Mint, l.payer(), l.cfg.Decimals, transfer)
	if err != nil {
		return nil, err
	}
	tx, _, err := l.buildSigned(ctx, memoInstruction(l.payer(), transfer.ActionID, transfer.Memo), ix)
	if err != nil {
		return nil, err
	}
	return &Submission{
		Reference:  tx.Signatures[0].String(),
		Transfer:   transfer,
		PreparedAt: time.Now().UTC(),
		tx:         tx,
	}, nil
}

// Submit sends the prepared transaction and waits for the configured commitment.
func (l *SolanaLedger) Submit(ctx context.Context, sub *Submission) (Receipt, error) {
	if sub == nil || sub.tx == nil {
		return Receipt{}, fmt.Errorf("%w: submission was not prepared by this ledger", ErrRejected)
	}
	if _, err := l.send(ctx, sub.tx); err != nil {
		return Receipt{}, err
	}
	if err := l.awaitConfirmation(ctx, sub.tx.Signatures[0]); err != nil {
		return Receipt{}, err
	}
	return Receipt{
		Reference:   sub.Reference,
		ActionID:    sub.Transfer.ActionID,
		Amount:      sub.Transfer.Amount,
		ConfirmedAt: time.Now().UTC(),
	}, nil
}

// Status looks the reference up including transaction history.
func (l *SolanaLedger) Status(ctx context.Context, reference string) (Status, error) {
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return StatusUnknown, fmt.Errorf("invalid reference: %w", err)
	}
	out, err := l.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusUnknown, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return StatusUnknown, nil
	}
	return statusOf(out.Value[0]), nil
}

// Ping fetches a blockhash to verify the endpoint answers.
func (l *SolanaLedger) Ping(ctx context.Context) error {
	_, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	return err
}

func (l *SolanaLedger) payer() solana.PublicKey {
	return l.cfg.Signer.PublicKey()
}

func (l *SolanaLedger) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	out, err := l.client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, classifySendError(err)
	}
	return out != nil && out.Value != nil, nil
}

func (l *SolanaLedger) buildSigned(ctx context.Context, instructions ...solana.Instruction) (*solana.Transaction, uint64, error) {
	latest, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get latest blockhash: %v", ErrUnreachable, err)
	}
	if latest == nil || latest.Value == nil {
		return nil, 0, fmt.Errorf("%w: empty blockhash response", ErrUnreachable)
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(l.payer()))
	if err != nil {
		return nil, 0, fmt.Errorf("build transaction: %w", err)
	}
	signer := l.cfg.Signer
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, 0, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, latest.Value.LastValidBlockHeight, nil
}

func (l *SolanaLedger) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := l.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: l.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, classifySendError(err)
	}
	return sig, nil
}

func (l *SolanaLedger) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		out, err := l.client.GetSignatureStatuses(ctx, false, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			switch statusOf(out.Value[0]) {
			case StatusConfirmed:
				return nil
			case StatusFailed:
				return fmt.Errorf("%w: %v", ErrRejected, out.Value[0].Err)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("await confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func statusOf(s *rpc.SignatureStatusesResult) Status {
	if s.Err != nil {
		return StatusFailed
	}
	switch s.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return StatusConfirmed
	default:
		return StatusPending
	}
}

// classifySendError separates requests that never left the process or host from
// rejections reported by the node. Anything else is left unwrapped and treated as
// ambiguous by callers.
func classifySendError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if strings.Contains(strings.ToLower(fmt.Sprint(rpcErr.Message, rpcErr.Data)), "insufficient") {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

func alreadyInUse(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already in use")
}

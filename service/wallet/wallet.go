// Package wallet holds the signing key and builds signed operations for the
// submission engine.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/submit"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/joho/godotenv"
)

// PrivateKeyEnv is the environment variable holding the base58 signing key.
const PrivateKeyEnv = "SOLANA_PRIVATE_KEY_BASE58"

// MaxMemoLength bounds the memo attached to a transfer.
const MaxMemoLength = 256

// LoadPrivateKeyFromEnv reads the signing key, loading .env first if present.
func LoadPrivateKeyFromEnv() (solanago.PrivateKey, error) {
	_ = godotenv.Load() // best-effort
	b58 := os.Getenv(PrivateKeyEnv)
	if b58 == "" {
		return nil, classify.WithCategory(classify.CategoryConfiguration,
			fmt.Errorf("%s environment variable is not set", PrivateKeyEnv))
	}
	key, err := solanago.PrivateKeyFromBase58(b58)
	if err != nil {
		return nil, classify.WithCategory(classify.CategoryConfiguration,
			fmt.Errorf("invalid %s: %w", PrivateKeyEnv, err))
	}
	return key, nil
}

// WindowSource provides fresh validity windows.
type WindowSource interface {
	LatestValidityWindow(ctx context.Context, level solana.DurabilityLevel) (solana.ValidityWindow, error)
}

// TransferRequest describes a lamport transfer from the builder's key.
type TransferRequest struct {
	To       solanago.PublicKey
	Lamports uint64
	Memo     string
}

// Validate reports malformed requests as INPUT errors.
func (r TransferRequest) Validate() error {
	if r.To.IsZero() {
		return classify.Inputf("recipient is required")
	}
	if r.Lamports == 0 {
		return classify.Inputf("lamports must be greater than zero")
	}
	if len(r.Memo) > MaxMemoLength {
		return classify.Inputf("memo is too large: %d bytes (max %d)", len(r.Memo), MaxMemoLength)
	}
	return nil
}

// Builder signs operations with a single key against fresh validity windows.
type Builder struct {
	key    solanago.PrivateKey
	source WindowSource
	level  solana.DurabilityLevel
	logger *slog.Logger
}

func NewBuilder(key solanago.PrivateKey, source WindowSource, level solana.DurabilityLevel, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{key: key, source: source, level: level, logger: logger}
}

// PublicKey is the fee payer and sender of every operation the builder signs.
func (b *Builder) PublicKey() solanago.PublicKey {
	return b.key.PublicKey()
}

// BuildTransfer fetches a fresh validity window and returns a signed transfer.
func (b *Builder) BuildTransfer(ctx context.Context, req TransferRequest) (*submit.PreparedOperation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	window, err := b.source.LatestValidityWindow(ctx, b.level)
	if err != nil {
		return nil, classify.Wrap(fmt.Errorf("failed to fetch validity window: %w", err))
	}

	from := b.key.PublicKey()
	instructions := []solanago.Instruction{
		system.NewTransferInstruction(req.Lamports, from, req.To).Build(),
	}
	if req.Memo != "" {
		instructions = append(instructions, solanago.NewInstruction(
			solanago.MemoProgramID,
			solanago.AccountMetaSlice{solanago.Meta(from).SIGNER()},
			[]byte(req.Memo),
		))
	}

	tx, err := solanago.NewTransaction(instructions, window.Blockhash, solanago.TransactionPayer(from))
	if err != nil {
		return nil, classify.Inputf("failed to build transaction: %v", err)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(from) {
			return &b.key
		}
		return nil
	}); err != nil {
		return nil, classify.WithCategory(classify.CategoryAccount, fmt.Errorf("failed to sign with wallet: %w", err))
	}

	op, err := submit.NewPreparedOperation(tx, window, "transfer")
	if err != nil {
		return nil, err
	}
	b.logger.DebugContext(ctx, "built transfer",
		"operation_id", op.ID().String(),
		"to", req.To.String(),
		"lamports", req.Lamports,
		"last_valid_block_height", window.LastValidBlockHeight,
	)
	return op, nil
}

// Rebuilder returns a RebuildFunc that signs req again against a new window.
func (b *Builder) Rebuilder(req TransferRequest) submit.RebuildFunc {
	return func(ctx context.Context) (*submit.PreparedOperation, error) {
		return b.BuildTransfer(ctx, req)
	}
}

// ParseRecipient parses a base58 address as an INPUT error on failure.
func ParseRecipient(s string) (solanago.PublicKey, error) {
	if s == "" {
		return solanago.PublicKey{}, classify.Inputf("recipient is required")
	}
	pk, err := solanago.PublicKeyFromBase58(s)
	if err != nil {
		return solanago.PublicKey{}, classify.WithCategory(classify.CategoryInput,
			errors.Join(fmt.Errorf("invalid recipient address %q", s), err))
	}
	return pk, nil
}

package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txlander/service/metrics"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// tokenAccountStateFrozen is the SPL token account state byte for frozen accounts.
const tokenAccountStateFrozen = 2

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	SimulateTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts *rpc.SimulateTransactionOpts,
	) (*rpc.SimulateTransactionResponse, error)

	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		sigs ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)

	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)

	GetAccountInfoWithOpts(
		ctx context.Context,
		account solana.PublicKey,
		opts *rpc.GetAccountInfoOpts,
	) (*rpc.GetAccountInfoResult, error)

	GetTokenAccountsByOwner(
		ctx context.Context,
		owner solana.PublicKey,
		conf *rpc.GetTokenAccountsConfig,
		opts *rpc.GetTokenAccountsOpts,
	) (*rpc.GetTokenAccountsResult, error)
}

// Client provides the ledger operations the submission engine and the monitor
// need. Every call goes through a shared rate limiter and is timed.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", rpc host)
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// A nil limiter means calls are not rate limited; nil metrics records nothing.
func NewClient(rpcClient RPCClient, endpoint string, limiter *rate.Limiter, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		limiter:  limiter,
		endpoint: endpoint,
	}
}

// NewLimiter builds the limiter shared by all calls of one Client.
// rps <= 0 disables limiting.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// call waits for a limiter token, runs fn and records the outcome.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.RecordRateLimitWait(c.endpoint, time.Since(waitStart).Seconds())
		}
	}

	start := time.Now()
	err := fn()
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "solana call failed",
			"method", method,
			"endpoint", c.endpoint,
			"error", err,
		)
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(method, status, c.endpoint, duration)
		if err != nil && strings.Contains(err.Error(), "429") {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}
	return err
}

// Simulate dry-runs tx against the current ledger state. A non-nil error means
// the simulation could not be performed; a rejected simulation is reported
// through SimulationReport.Err.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction, level DurabilityLevel) (*SimulationReport, error) {
	var out *rpc.SimulateTransactionResponse
	err := c.call(ctx, "SimulateTransaction", func() error {
		var err error
		out, err = c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
			SigVerify:  true,
			Commitment: level.Commitment(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, errors.New("empty simulation response")
	}

	return &SimulationReport{
		Err:           out.Value.Err,
		Logs:          out.Value.Logs,
		UnitsConsumed: out.Value.UnitsConsumed,
	}, nil
}

// SendOptions controls a single broadcast.
type SendOptions struct {
	// SkipPreflight disables the node's own simulation. Callers that already
	// simulated set it to avoid paying for a second dry run.
	SkipPreflight  bool
	PreflightLevel DurabilityLevel
}

// Send broadcasts tx once and returns its signature.
func (c *Client) Send(ctx context.Context, tx *solana.Transaction, opts SendOptions) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, "SendTransaction", func() error {
		var err error
		sig, err = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       opts.SkipPreflight,
			PreflightCommitment: opts.PreflightLevel.Commitment(),
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, err
	}
	c.logger.DebugContext(ctx, "transaction sent", "signature", sig.String(), "endpoint", c.endpoint)
	return sig, nil
}

// GetSignatureStatus returns the ledger's record for sig, or nil if the
// ledger has not seen it.
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	var out *rpc.GetSignatureStatusesResult
	err := c.call(ctx, "GetSignatureStatuses", func() error {
		var err error
		out, err = c.rpc.GetSignatureStatuses(ctx, false, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	v := out.Value[0]
	return &SignatureStatus{
		Slot:          v.Slot,
		Confirmations: v.Confirmations,
		Level:         levelFromStatus(v.ConfirmationStatus),
		Err:           v.Err,
	}, nil
}

// LatestValidityWindow fetches a fresh blockhash and its expiry height.
func (c *Client) LatestValidityWindow(ctx context.Context, level DurabilityLevel) (ValidityWindow, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.call(ctx, "GetLatestBlockhash", func() error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, level.Commitment())
		return err
	})
	if err != nil {
		return ValidityWindow{}, err
	}
	if out == nil || out.Value == nil {
		return ValidityWindow{}, errors.New("empty latest blockhash response")
	}
	return ValidityWindow{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// CurrentHeight returns the ledger's current block height.
func (c *Client) CurrentHeight(ctx context.Context, level DurabilityLevel) (uint64, error) {
	var height uint64
	err := c.call(ctx, "GetBlockHeight", func() error {
		var err error
		height, err = c.rpc.GetBlockHeight(ctx, level.Commitment())
		return err
	})
	return height, err
}

// GetAccountState returns the account at address, or nil if it does not exist.
func (c *Client) GetAccountState(ctx context.Context, address solana.PublicKey) (*AccountState, error) {
	var out *rpc.GetAccountInfoResult
	err := c.call(ctx, "GetAccountInfo", func() error {
		var err error
		out, err = c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}

	state := &AccountState{
		Address:    address.String(),
		Lamports:   out.Value.Lamports,
		Owner:      out.Value.Owner.String(),
		Executable: out.Value.Executable,
		Slot:       out.Context.Slot,
	}
	if out.Value.Data != nil {
		state.Data = out.Value.Data.GetBinary()
	}
	return state, nil
}

// GetTokenAccountsByOwner lists the SPL token accounts owned by owner. A nil
// mint lists accounts of every mint under the token program.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) ([]TokenBalance, error) {
	conf := &rpc.GetTokenAccountsConfig{}
	if mint != nil {
		conf.Mint = mint
	} else {
		programID := solana.TokenProgramID
		conf.ProgramId = &programID
	}

	var out *rpc.GetTokenAccountsResult
	err := c.call(ctx, "GetTokenAccountsByOwner", func() error {
		var err error
		out, err = c.rpc.GetTokenAccountsByOwner(ctx, owner, conf, &rpc.GetTokenAccountsOpts{
			Commitment: rpc.CommitmentConfirmed,
			Encoding:   solana.EncodingBase64,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	balances := make([]TokenBalance, 0, len(out.Value))
	for _, ta := range out.Value {
		if ta == nil || ta.Account.Data == nil {
			continue
		}
		var acc token.Account
		if err := bin.NewBinDecoder(ta.Account.Data.GetBinary()).Decode(&acc); err != nil {
			return nil, fmt.Errorf("decode token account %s: %w", ta.Pubkey, err)
		}
		balances = append(balances, TokenBalance{
			Address: ta.Pubkey.String(),
			Mint:    acc.Mint.String(),
			Owner:   acc.Owner.String(),
			Amount:  acc.Amount,
			Frozen:  uint8(acc.State) == tokenAccountStateFrozen,
		})
	}
	return balances, nil
}

package solana

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// realRPCClient adapts the solana-go RPC client to our RPCClient interface.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
func NewRPCClient(rpcURL string) RPCClient {
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

// SelectRandomEndpoint picks one of the configured endpoints uniformly.
func SelectRandomEndpoint(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", errors.New("no RPC endpoints configured")
	}
	return urls[rand.IntN(len(urls))], nil
}

func (r *realRPCClient) SimulateTransactionWithOpts(
	ctx context.Context,
	tx *solana.Transaction,
	opts *rpc.SimulateTransactionOpts,
) (*rpc.SimulateTransactionResponse, error) {
	return r.client.SimulateTransactionWithOpts(ctx, tx, opts)
}

func (r *realRPCClient) SendTransactionWithOpts(
	ctx context.Context,
	tx *solana.Transaction,
	opts rpc.TransactionOpts,
) (solana.Signature, error) {
	return r.client.SendTransactionWithOpts(ctx, tx, opts)
}

func (r *realRPCClient) GetSignatureStatuses(
	ctx context.Context,
	searchTransactionHistory bool,
	sigs ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	return r.client.GetSignatureStatuses(ctx, searchTransactionHistory, sigs...)
}

func (r *realRPCClient) GetLatestBlockhash(
	ctx context.Context,
	commitment rpc.CommitmentType,
) (*rpc.GetLatestBlockhashResult, error) {
	return r.client.GetLatestBlockhash(ctx, commitment)
}

func (r *realRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	return r.client.GetBlockHeight(ctx, commitment)
}

func (r *realRPCClient) GetAccountInfoWithOpts(
	ctx context.Context,
	account solana.PublicKey,
	opts *rpc.GetAccountInfoOpts,
) (*rpc.GetAccountInfoResult, error) {
	return r.client.GetAccountInfoWithOpts(ctx, account, opts)
}

func (r *realRPCClient) GetTokenAccountsByOwner(
	ctx context.Context,
	owner solana.PublicKey,
	conf *rpc.GetTokenAccountsConfig,
	opts *rpc.GetTokenAccountsOpts,
) (*rpc.GetTokenAccountsResult, error) {
	return r.client.GetTokenAccountsByOwner(ctx, owner, conf, opts)
}

package solana

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/brojonat/txlander/service/metrics"
)

// EndpointLabel extracts a short identifier from an RPC URL for metrics
// labeling. API keys in the path or query never reach a label.
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func EndpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	for _, cluster := range []string{"mainnet", "devnet", "testnet"} {
		if strings.Contains(host, cluster) {
			return cluster
		}
	}
	return host
}

// Dial picks one of urls and builds a rate-limited Client on it.
func Dial(urls []string, rps float64, burst int, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	endpoint, err := SelectRandomEndpoint(urls)
	if err != nil {
		return nil, err
	}
	label := EndpointLabel(endpoint)
	if logger != nil {
		logger.Info("initialized solana RPC client", "endpoint", label, "total_endpoints", len(urls))
	}
	return NewClient(NewRPCClient(endpoint), label, NewLimiter(rps, burst), m, logger), nil
}

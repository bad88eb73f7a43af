package config

const (
	mainnet = "mainnet"
	testnet = "testnet"
)

// NetworkConfig holds the identity and endpoints of a ledger network
type NetworkConfig struct {
	Name         string
	Passphrase   string
	RPCURL       string
	FallbackURLs []string
}

// Endpoints returns the primary endpoint followed by the alternates, in order
func (n NetworkConfig) Endpoints() []string {
	return append([]string{n.RPCURL}, n.FallbackURLs...)
}

// networks maps a network name to its passphrase and public RPC endpoint
var networks = map[string]NetworkConfig{
	testnet: {
		Name:       testnet,
		Passphrase: "Test SDF Network ; September 2015",
		RPCURL:     "https://soroban-testnet.stellar.org",
	},
	mainnet: {
		Name:       mainnet,
		Passphrase: "Public Global Stellar Network ; September 2015",
		RPCURL:     "https://mainnet.sorobanrpc.com",
	},
}

// GetNetworkPassphrase returns the passphrase for a network name
func GetNetworkPassphrase(network string) string {
	n, exists := networks[network]
	if !exists {
		return ""
	}
	return n.Passphrase
}

package chain

import "strings"

// ExplorerURL links a transaction on the public explorer for cluster
// ("mainnet-beta", "devnet", "testnet").
func ExplorerURL(cluster, sig string) string {
	u := "https://explorer.solana.com/tx/" + sig
	switch c := strings.TrimSpace(strings.ToLower(cluster)); c {
	case "", "mainnet", "mainnet-beta":
		return u
	default:
		return u + "?cluster=" + c
	}
}

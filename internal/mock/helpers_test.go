package mock

import "github.com/gagliardetto/solana-go"

func randomKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

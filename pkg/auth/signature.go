package auth

import (
	"crypto/ed25519"

	"github.com/gagliardetto/solana-go"

	"refit/pkg/apperr"
)

// VerifyWalletSignature checks a base58 ed25519 signature by a base58 Solana
// public key over message. Malformed encodings are rejected before any
// cryptographic work.
func VerifyWalletSignature(publicKey, signature, message string) error {
	pub, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return apperr.Auth("bad_encoding")
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return apperr.Auth("bad_encoding")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), []byte(message), sig[:]) {
		return apperr.Auth("bad_signature")
	}
	return nil
}

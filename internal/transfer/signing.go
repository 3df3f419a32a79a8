package transfer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/terminal-bench/minechain/pkg/micro"
)

// AddressFromPubKey derives the wallet address for an ed25519 public
// key: "RTC" plus the first 40 hex chars of sha256(pubkey).
func AddressFromPubKey(pubKeyHex string) (string, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return "", fmt.Errorf("bad public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	sum := sha256.Sum256(pub)
	return "RTC" + hex.EncodeToString(sum[:])[:40], nil
}

// SignedMessage builds the canonical byte string a client signs for a
// transfer: compact JSON with keys in lexicographic order. Amount is the
// decimal RTC value, not micro-units, matching the client signing
// format.
func SignedMessage(from, to string, amount micro.Amount, memo, nonce string) []byte {
	return []byte(fmt.Sprintf(`{"amount":%s,"from":%q,"memo":%q,"nonce":%q,"to":%q}`,
		amount.RTC().String(), from, memo, nonce, to))
}

// VerifySignature checks an ed25519 signature over message.
func VerifySignature(pubKeyHex string, message []byte, sigHex string) bool {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// signedTxHash derives the deterministic pending-transfer hash from the
// signed message and its signature.
func signedTxHash(message []byte, sigHex string) (string, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("bad signature hex: %w", err)
	}
	sum := sha256.Sum256(append(append([]byte{}, message...), sig...))
	return hex.EncodeToString(sum[:])[:32], nil
}

// adminTxHash derives a unique hash for operator-staged transfers from
// the transfer tuple plus fresh entropy.
func adminTxHash(from, to string, amount micro.Amount, unix int64, entropy []byte) string {
	data := fmt.Sprintf("%s:%s:%d:%d:%s", from, to, int64(amount), unix, hex.EncodeToString(entropy))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:32]
}

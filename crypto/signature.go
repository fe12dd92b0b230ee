package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"ckbpop/errs"
)

const recoverableSigLen = 65

var (
	ErrInvalidSignature  = errs.New(errs.KindInvalidProof, "invalid signature format")
	ErrRecoveryFailed    = errs.New(errs.KindInvalidProof, "failed to recover public key")
	ErrSignatureMismatch = errs.New(errs.KindInvalidProof, "signature does not match address")
)

// DecodeSignature parses a hex recoverable signature (optionally
// 0x-prefixed) and enforces the 65-byte layout: 64-byte compact
// signature followed by a 1-byte recovery id.
func DecodeSignature(signatureHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != recoverableSigLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(raw))
	}
	return raw, nil
}

// VerifyAddressSignature verifies a recoverable secp256k1 signature over
// the CKB personal-message hash of message, against the wallet address
// that allegedly produced it. No key registry is involved: the public
// key is recovered from the signature and its blake160 must equal the
// args embedded in the address.
//
// Every parse, decode, or recovery failure and any hash mismatch yields
// a typed error; success returns nil.
func VerifyAddressSignature(message, signatureHex, address string) error {
	_, script, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if !bytes.Equal(script.CodeHash[:], Secp256k1Blake160CodeHash[:]) {
		return ErrUnsupportedLockScript
	}
	if len(script.Args) != shortArgsLen {
		return fmt.Errorf("%w: args length %d", ErrInvalidAddress, len(script.Args))
	}

	sig, err := DecodeSignature(signatureHex)
	if err != nil {
		return err
	}

	digest := HashPersonalMessage(message)
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	shortHash := Blake160(ethcrypto.CompressPubkey(pub))
	if !bytes.Equal(shortHash[:], script.Args) {
		return ErrSignatureMismatch
	}
	return nil
}

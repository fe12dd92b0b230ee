// Package crypto implements the hashing and signature primitives of the
// proof-of-attendance protocol: CKB-personalized blake2b, blake160 short
// hashes, and recoverable secp256k1 signature verification against a
// bech32/bech32m wallet address.
package crypto

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/minio/blake2b-simd"
)

// hashPersonalization is the 16-byte blake2b personalization every CKB
// hash uses. It must match the on-chain scripts byte for byte.
const hashPersonalization = "ckb-default-hash"

// messagePrefix domain-separates wallet-signed messages from raw
// transaction hashes. Wallets prepend it before hashing, so verification
// must too.
const messagePrefix = "Nervos Message:"

// Blake2b256 computes the CKB-standard blake2b digest (32 bytes,
// "ckb-default-hash" personalization) over the concatenation of data.
func Blake2b256(data ...[]byte) [32]byte {
	h, err := blake2b.New(&blake2b.Config{
		Size:   32,
		Person: []byte(hashPersonalization),
	})
	if err != nil {
		// The config is constant; a failure here is a programming error.
		panic("ckb blake2b config: " + err.Error())
	}
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Blake160 returns the first 20 bytes of Blake2b256(data). CKB lock
// script args for the default signature scheme are the blake160 of the
// compressed public key.
func Blake160(data []byte) [20]byte {
	hash := Blake2b256(data)
	var out [20]byte
	copy(out[:], hash[:20])
	return out
}

// HashMessage is a plain SHA-256 of the message text.
func HashMessage(message string) [32]byte {
	return sha256.Sum256([]byte(message))
}

// HashPersonalMessage hashes a message the way CKB wallets do before
// signing: blake2b256("Nervos Message:" + message).
func HashPersonalMessage(message string) [32]byte {
	return Blake2b256([]byte(messagePrefix + message))
}

// LittleEndianInt64 encodes v as 8 little-endian bytes. Several wire
// formats (event ids, window secrets, QR HMACs) hash timestamps in this
// layout.
func LittleEndianInt64(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

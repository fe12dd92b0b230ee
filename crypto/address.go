package crypto

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"ckbpop/errs"
)

// Prefix is the human-readable part of a CKB address.
type Prefix string

const (
	MainnetPrefix Prefix = "ckb"
	TestnetPrefix Prefix = "ckt"
)

// Script hash types as encoded in address payloads and cell scripts.
const (
	HashTypeData  byte = 0x00
	HashTypeType  byte = 0x01
	HashTypeData1 byte = 0x02
	HashTypeData2 byte = 0x04
)

// Address payload format tags.
const (
	payloadFull      byte = 0x00
	payloadShort     byte = 0x01
	shortIndexSecp   byte = 0x00
	shortArgsLen          = 20
	fullMinLen            = 1 + 32 + 1
)

// Secp256k1Blake160CodeHash is the code hash of the
// secp256k1-blake160-sighash-all lock, identical on mainnet and testnet.
// It is the only lock template address-based verification supports.
var Secp256k1Blake160CodeHash = [32]byte{
	0x9b, 0xd7, 0xe0, 0x6f, 0x3e, 0xcf, 0x4b, 0xe0, 0xf2, 0xfc, 0xd2, 0x18,
	0x8b, 0x23, 0xf1, 0xb9, 0xfc, 0xc8, 0x8e, 0x5d, 0x4b, 0x65, 0xa8, 0x63,
	0x7b, 0x17, 0x72, 0x3b, 0xbd, 0xa3, 0xcc, 0xe8,
}

var (
	ErrInvalidAddress        = errs.New(errs.KindInvalidProof, "invalid ckb address")
	ErrUnsupportedLockScript = errs.New(errs.KindInvalidProof, "unsupported lock script; only secp256k1-blake160 is supported")
)

// Script identifies a CKB script: the code it runs, how the code hash is
// interpreted, and the script arguments.
type Script struct {
	CodeHash [32]byte
	HashType byte
	Args     []byte
}

// ParseHashType maps the JSON-RPC string form of a hash type to its byte
// encoding.
func ParseHashType(s string) (byte, error) {
	switch s {
	case "data":
		return HashTypeData, nil
	case "type":
		return HashTypeType, nil
	case "data1":
		return HashTypeData1, nil
	case "data2":
		return HashTypeData2, nil
	default:
		return 0, errs.Wrapf(errs.KindInvalidProof, "unknown hash type %q", s)
	}
}

// ParseAddress decodes a bech32/bech32m CKB address into its lock script.
// Two payload variants exist: the full form
// 0x00 | code_hash(32) | hash_type(1) | args, and the deprecated short
// form 0x01 | index(1) | args(20) where only index 0x00 (the default
// secp256k1 lock) is supported.
func ParseAddress(address string) (Prefix, Script, error) {
	// DecodeNoLimit accepts both bech32 and bech32m checksums and does
	// not enforce the BIP-173 90-character cap, which full-format CKB
	// addresses exceed.
	hrp, data, err := bech32.DecodeNoLimit(address)
	if err != nil {
		return "", Script{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	prefix := Prefix(hrp)
	if prefix != MainnetPrefix && prefix != TestnetPrefix {
		return "", Script{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidAddress, hrp)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", Script{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) == 0 {
		return "", Script{}, fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}

	switch payload[0] {
	case payloadFull:
		if len(payload) < fullMinLen {
			return "", Script{}, fmt.Errorf("%w: truncated full payload", ErrInvalidAddress)
		}
		var script Script
		copy(script.CodeHash[:], payload[1:33])
		script.HashType = payload[33]
		script.Args = append([]byte(nil), payload[34:]...)
		return prefix, script, nil
	case payloadShort:
		if len(payload) < 2+shortArgsLen {
			return "", Script{}, fmt.Errorf("%w: truncated short payload", ErrInvalidAddress)
		}
		if payload[1] != shortIndexSecp {
			return "", Script{}, fmt.Errorf("%w: short format index 0x%02x", ErrUnsupportedLockScript, payload[1])
		}
		return prefix, Script{
			CodeHash: Secp256k1Blake160CodeHash,
			HashType: HashTypeType,
			Args:     append([]byte(nil), payload[2:2+shortArgsLen]...),
		}, nil
	default:
		return "", Script{}, fmt.Errorf("%w: payload tag 0x%02x", ErrUnsupportedLockScript, payload[0])
	}
}

// EncodeAddress renders a lock script as a full-format bech32m address
// under the given network prefix. The inverse of ParseAddress for the
// full payload variant.
func EncodeAddress(prefix Prefix, script Script) (string, error) {
	payload := make([]byte, 0, fullMinLen+len(script.Args))
	payload = append(payload, payloadFull)
	payload = append(payload, script.CodeHash[:]...)
	payload = append(payload, script.HashType)
	payload = append(payload, script.Args...)

	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert address payload: %w", err)
	}
	encoded, err := bech32.EncodeM(string(prefix), conv)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return encoded, nil
}

// IsSecpLock reports whether the script is the default secp256k1-blake160
// lock with a well-formed 20-byte args.
func (s Script) IsSecpLock() bool {
	return bytes.Equal(s.CodeHash[:], Secp256k1Blake160CodeHash[:]) && len(s.Args) == shortArgsLen
}

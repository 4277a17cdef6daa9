package common

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DeriveID produces a deterministic 32-byte record identifier from a domain
// tag, the creating address and a ledger-wide sequence number. Hashing the
// sequence keeps identifiers unique without persisting per-address nonces.
func DeriveID(domain string, creator [20]byte, seq uint64) [32]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return ethcrypto.Keccak256Hash([]byte(domain), creator[:], seqBytes[:])
}

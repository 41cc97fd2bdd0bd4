package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity. The version suffix
// allows the algorithm to change without colliding with old hashes.
const (
	DomainArtifact     = "chisel/artifact/v1"
	DomainTables       = "chisel/tables/v1"
	DomainTypeIdentity = "chisel/type-identity/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// TypeIdentity is the 64-bit identity stored in the type_id word of a
// function pointer: the first eight bytes, little-endian, of the
// domain-separated hash of the NFC canonical type name.
func TypeIdentity(canonicalName string) uint64 {
	sum := hashWithDomain(DomainTypeIdentity, []byte(norm.NFC.String(canonicalName)))
	return binary.LittleEndian.Uint64(sum[:8])
}

// Hash returns the hex content hash of a canonical object.
func Hash(domain string, obj Object) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	sum := hashWithDomain(domain, canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex domain-separated hash of raw bytes.
func HashBytes(domain string, data []byte) string {
	sum := hashWithDomain(domain, data)
	return hex.EncodeToString(sum[:])
}

// MustHash is like Hash but panics on error. Use only in tests or when the
// object is known to be valid.
func MustHash(domain string, obj Object) string {
	h, err := Hash(domain, obj)
	if err != nil {
		panic(err)
	}
	return h
}

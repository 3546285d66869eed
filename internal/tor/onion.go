package tor

import (
	"encoding/base32"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// OnionSuffix is the top level domain of onion services.
	OnionSuffix = ".onion"

	onionV3Version = 0x03
)

// onionV3Pattern matches 56 base32 characters followed by .onion.
var onionV3Pattern = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

var checksumPrefix = []byte(".onion checksum")

// IsOnionHost reports whether host is in the .onion domain.
// Subdomains of an onion service ("www.<addr>.onion") count.
func IsOnionHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(host, ".")), OnionSuffix)
}

// IsValidV3Address checks the format, version byte and checksum of a v3
// onion address. Subdomain labels are ignored.
//
// The checksum is the first 2 bytes of
// SHA3-256(".onion checksum" || pubkey || version).
func IsValidV3Address(address string) bool {
	address = strings.ToLower(strings.TrimSuffix(address, "."))
	if i := strings.LastIndexByte(strings.TrimSuffix(address, OnionSuffix), '.'); i >= 0 {
		address = address[i+1:]
	}
	if !onionV3Pattern.MatchString(address) {
		return false
	}

	decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimSuffix(address, OnionSuffix)))
	if err != nil || len(decoded) != 35 {
		return false
	}

	pubkey, checksum, version := decoded[:32], decoded[32:34], decoded[34]
	if version != onionV3Version {
		return false
	}
	expected := computeV3Checksum(pubkey, version)
	return checksum[0] == expected[0] && checksum[1] == expected[1]
}

func computeV3Checksum(pubkey []byte, version byte) []byte {
	data := make([]byte, 0, len(checksumPrefix)+len(pubkey)+1)
	data = append(data, checksumPrefix...)
	data = append(data, pubkey...)
	data = append(data, version)
	hash := sha3.Sum256(data)
	return hash[:2]
}

package security

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

const secretPrefix = "DHHC-1:"

// Hash transforms a DH-HMAC-CHAP secret may request. HashNone uses the key
// bytes as-is; the others require a key of the hash's digest length.
const (
	HashNone   = 0x00
	HashSHA256 = 0x01
	HashSHA384 = 0x02
	HashSHA512 = 0x03
)

// DHCHAPSecret is a decoded in-band authentication secret.
type DHCHAPSecret struct {
	Hash int
	Key  []byte
}

// ParseDHCHAPSecret decodes and validates an nvme-cli style secret string
// "DHHC-1:<hash>:<base64 of key + crc32>:". The CRC-32 trailer must match
// the key bytes, and the key length must suit the requested hash.
func ParseDHCHAPSecret(s string) (DHCHAPSecret, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, secretPrefix) || !strings.HasSuffix(s, ":") {
		return DHCHAPSecret{}, fmt.Errorf("dhchap secret must look like %q", secretPrefix+"00:<key>:")
	}

	body := strings.TrimSuffix(strings.TrimPrefix(s, secretPrefix), ":")
	hashField, keyField, ok := strings.Cut(body, ":")
	if !ok || len(hashField) != 2 {
		return DHCHAPSecret{}, fmt.Errorf("dhchap secret is missing the hash field")
	}

	var hash int
	if _, err := fmt.Sscanf(hashField, "%02x", &hash); err != nil {
		return DHCHAPSecret{}, fmt.Errorf("dhchap secret hash field %q is not hex", hashField)
	}

	raw, err := base64.StdEncoding.DecodeString(keyField)
	if err != nil {
		return DHCHAPSecret{}, fmt.Errorf("dhchap secret key is not valid base64: %v", err)
	}
	if len(raw) < 5 {
		return DHCHAPSecret{}, fmt.Errorf("dhchap secret key is too short")
	}

	key, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(key) != binary.LittleEndian.Uint32(trailer) {
		return DHCHAPSecret{}, fmt.Errorf("dhchap secret checksum mismatch")
	}

	if err := checkKeyLength(hash, len(key)); err != nil {
		return DHCHAPSecret{}, err
	}
	return DHCHAPSecret{Hash: hash, Key: key}, nil
}

func checkKeyLength(hash, length int) error {
	switch hash {
	case HashNone:
		switch length {
		case 32, 48, 64:
			return nil
		}
		return fmt.Errorf("dhchap secret key must be 32, 48 or 64 bytes, got %d", length)
	case HashSHA256:
		if length != 32 {
			return fmt.Errorf("dhchap sha256 secret key must be 32 bytes, got %d", length)
		}
	case HashSHA384:
		if length != 48 {
			return fmt.Errorf("dhchap sha384 secret key must be 48 bytes, got %d", length)
		}
	case HashSHA512:
		if length != 64 {
			return fmt.Errorf("dhchap sha512 secret key must be 64 bytes, got %d", length)
		}
	default:
		return fmt.Errorf("dhchap secret hash %#02x is not defined", hash)
	}
	return nil
}

// ValidateDHCHAPSecret reports whether s is a well-formed secret. Used by
// configuration validation so a typo surfaces at load time rather than on
// the first connect attempt.
func ValidateDHCHAPSecret(s string) error {
	_, err := ParseDHCHAPSecret(s)
	return err
}

// Redact returns a loggable form of a secret with the key material masked.
// Malformed input is fully masked.
func Redact(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, secretPrefix) {
		return "****"
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, secretPrefix), ":")
	hashField, _, ok := strings.Cut(body, ":")
	if !ok {
		return "****"
	}
	return secretPrefix + hashField + ":****:"
}

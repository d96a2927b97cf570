// Package wallet derives the keys an agent needs from a bip39 mnemonic: an
// ed25519 signing key whose public half is the ledger address, and an X25519
// key that requesters and claimers encrypt payloads to.
package wallet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"chorus/internal/domain"
)

const (
	hkdfInfoSigning    = "chorus/wallet/signing/v1"
	hkdfInfoEncryption = "chorus/wallet/encryption/v1"
)

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrInvalidAddress  = errors.New("invalid address")
)

type Keys struct {
	Address        domain.Address
	SigningKey     ed25519.PrivateKey
	EncryptionKey  domain.PublicKey
	encryptionPriv []byte
}

// NewMnemonic returns a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives wallet keys. The same mnemonic always yields the same keys.
func FromMnemonic(mnemonic string) (*Keys, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	encSeed, err := hkdfExpand(seed, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	encPub, err := curve25519.X25519(encSeed, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	k := &Keys{
		Address:        AddressOf(priv.Public().(ed25519.PublicKey)),
		SigningKey:     priv,
		encryptionPriv: encSeed,
	}
	copy(k.EncryptionKey[:], encPub)
	return k, nil
}

// SharedSecret computes the X25519 secret with a peer's published key.
func (k *Keys) SharedSecret(peer domain.PublicKey) ([]byte, error) {
	return curve25519.X25519(k.encryptionPriv, peer[:])
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddressOf encodes an ed25519 public key as a ledger address.
func AddressOf(pub ed25519.PublicKey) domain.Address {
	return domain.Address(base58.Encode(pub))
}

// ParseAddress checks that s decodes to a 32-byte public key.
func ParseAddress(s string) (domain.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidAddress
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, ed25519.PublicKeySize, len(raw))
	}
	return domain.Address(s), nil
}

// Fingerprint hashes content so it can be committed as a content or answer hash.
func Fingerprint(content []byte) domain.Hash {
	return domain.Hash(blake2b.Sum256(content))
}

package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// personalPrefix is the EIP-191 prefix a settlement contract applies before
// ecrecover on a 32-byte digest.
const personalPrefix = "\x19Ethereum Signed Message:\n32"

// KeySigner signs state digests with a secp256k1 key. Its ID is the
// checksummed address a Verifier recovers.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeySigner creates a signer from a hex-encoded private key.
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}
	return FromKey(pk), nil
}

// FromKey wraps an existing key.
func FromKey(pk *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}
}

// NewKeySigners builds one signer per hex key.
func NewKeySigners(keys []string) ([]settlement.Signer, error) {
	out := make([]settlement.Signer, 0, len(keys))
	for i, k := range keys {
		s, err := NewKeySigner(k)
		if err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Address returns the Ethereum address derived from the key.
func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) ID() string {
	return s.address.Hex()
}

// Sign returns a 65-byte r || s || v signature with v in {27, 28}.
func (s *KeySigner) Sign(ctx context.Context, digest [32]byte) (settlement.Signature, error) {
	if err := ctx.Err(); err != nil {
		return settlement.Signature{}, err
	}

	sig, err := ethcrypto.Sign(PrefixedHash(digest), s.privateKey)
	if err != nil {
		return settlement.Signature{}, fmt.Errorf("signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; contracts expect v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return settlement.Signature{Signer: s.ID(), Sig: sig}, nil
}

// PrefixedHash computes keccak256(prefix || digest).
func PrefixedHash(digest [32]byte) []byte {
	return ethcrypto.Keccak256([]byte(personalPrefix), digest[:])
}

// Recover returns the address that produced sig over digest.
func Recover(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signer: signature length %d, want 65", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(PrefixedHash(digest), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// AddressVerifier accepts signatures that recover to the claimed signer,
// optionally restricted to an allow-list.
type AddressVerifier struct {
	allowed map[common.Address]struct{}
}

// NewAddressVerifier builds a verifier. An empty allow-list accepts any
// signer whose signature recovers to its own address.
func NewAddressVerifier(allowed []string) *AddressVerifier {
	v := &AddressVerifier{}
	if len(allowed) > 0 {
		v.allowed = make(map[common.Address]struct{}, len(allowed))
		for _, a := range allowed {
			v.allowed[common.HexToAddress(a)] = struct{}{}
		}
	}
	return v
}

func (v *AddressVerifier) Verify(digest [32]byte, sig settlement.Signature) error {
	if !common.IsHexAddress(sig.Signer) {
		return fmt.Errorf("signer %q is not an address: %w", sig.Signer, ledger.ErrDigestMismatch)
	}
	claimed := common.HexToAddress(sig.Signer)

	if v.allowed != nil {
		if _, ok := v.allowed[claimed]; !ok {
			return fmt.Errorf("signer %s not in signer set: %w", claimed.Hex(), ledger.ErrDigestMismatch)
		}
	}

	recovered, err := Recover(digest, sig.Sig)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ledger.ErrDigestMismatch)
	}
	if recovered != claimed {
		return fmt.Errorf("recovered %s, claimed %s: %w", recovered.Hex(), claimed.Hex(), ledger.ErrDigestMismatch)
	}
	return nil
}

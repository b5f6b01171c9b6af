package signer_test

import (
	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"
	"BetChannel/internal/signer"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func newSigner(t *testing.T) *signer.KeySigner {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return signer.FromKey(key)
}

func TestKeySigner_SignAndRecover(t *testing.T) {
	s := newSigner(t)
	digest := sha256.Sum256([]byte("state"))

	sig, err := s.Sign(context.Background(), digest)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig.Sig) != 65 {
		t.Fatalf("signature length: got %d, want 65", len(sig.Sig))
	}
	if v := sig.Sig[64]; v != 27 && v != 28 {
		t.Errorf("v byte: got %d, want 27 or 28", v)
	}

	addr, err := signer.Recover(digest, sig.Sig)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if addr != s.Address() {
		t.Errorf("recovered %s, want %s", addr.Hex(), s.Address().Hex())
	}
}

func TestNewKeySigner_FromHex(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	hexKey := "0x" + hex.EncodeToString(ethcrypto.FromECDSA(key))

	s, err := signer.NewKeySigner(hexKey)
	if err != nil {
		t.Fatalf("NewKeySigner failed: %v", err)
	}
	if s.Address() != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Error("address mismatch")
	}

	if _, err := signer.NewKeySigner("not-a-key"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestAddressVerifier(t *testing.T) {
	s := newSigner(t)
	other := newSigner(t)
	digest := sha256.Sum256([]byte("state"))
	sig, _ := s.Sign(context.Background(), digest)

	v := signer.NewAddressVerifier(nil)
	if err := v.Verify(digest, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	wrongDigest := sha256.Sum256([]byte("other state"))
	if err := v.Verify(wrongDigest, sig); !errors.Is(err, ledger.ErrDigestMismatch) {
		t.Errorf("expected ErrDigestMismatch for wrong digest, got %v", err)
	}

	forged := settlement.Signature{Signer: other.ID(), Sig: sig.Sig}
	if err := v.Verify(digest, forged); !errors.Is(err, ledger.ErrDigestMismatch) {
		t.Errorf("expected ErrDigestMismatch for forged signer, got %v", err)
	}

	restricted := signer.NewAddressVerifier([]string{other.ID()})
	if err := restricted.Verify(digest, sig); !errors.Is(err, ledger.ErrDigestMismatch) {
		t.Errorf("signer outside allow-list should be rejected, got %v", err)
	}
}

func TestSign_CancelledContext(t *testing.T) {
	s := newSigner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Sign(ctx, [32]byte{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

package policy

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"
)

// VerifyMode describes what verification material is configured.
type VerifyMode string

const (
	// ModeHMAC checks an HMAC-SHA256 over the policy document.
	ModeHMAC VerifyMode = "hmac"
	// ModeEd25519 checks an Ed25519 signature with the configured key.
	ModeEd25519 VerifyMode = "ed25519"
	// ModePublicKey is used when a public key is configured but cannot be
	// parsed as Ed25519. Any non-empty signature passes.
	ModePublicKey VerifyMode = "public_key"
	// ModeOpen accepts every policy. It is an explicit permissive setting
	// and is logged on every verification.
	ModeOpen VerifyMode = "open"
)

// Verifier checks policy signatures.
type Verifier struct {
	mode    VerifyMode
	hmacKey []byte
	pubKey  ed25519.PublicKey
	logger  *slog.Logger
}

// NewVerifier picks the verification mode from the configured material.
// An HMAC key takes precedence over a public key.
func NewVerifier(hmacKey, publicKeyPEM string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{logger: logger}

	switch {
	case hmacKey != "":
		v.mode = ModeHMAC
		v.hmacKey = []byte(hmacKey)
	case publicKeyPEM != "":
		pub, err := parseEd25519PublicKey(publicKeyPEM)
		if err != nil {
			logger.Warn("Policy public key is not an Ed25519 key, only signature presence is checked", "error", err)
			v.mode = ModePublicKey
		} else {
			v.mode = ModeEd25519
			v.pubKey = pub
		}
	default:
		logger.Warn("No policy verification material configured, running in open mode")
		v.mode = ModeOpen
	}
	return v
}

// Mode returns the active verification mode.
func (v *Verifier) Mode() VerifyMode {
	return v.mode
}

// Verify reports whether p carries an acceptable signature.
func (v *Verifier) Verify(p *Payload) bool {
	switch v.mode {
	case ModeHMAC:
		if p.Signature == "" {
			return false
		}
		expected := Sign([]byte(p.JSON), v.hmacKey)
		return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(p.Signature))), []byte(expected))
	case ModeEd25519:
		sig, err := decodeSignature(p.Signature)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(v.pubKey, []byte(p.JSON), sig)
	case ModePublicKey:
		return p.Signature != ""
	}
	v.logger.Warn("Policy accepted without verification", "version", p.Version, "mode", ModeOpen)
	return true
}

// Sign returns the lowercase hex HMAC-SHA256 of payload under key.
func Sign(payload, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseEd25519PublicKey(data string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", key)
	}
	return pub, nil
}

// decodeSignature accepts base64 (standard or URL alphabet) or hex.
func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty signature")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

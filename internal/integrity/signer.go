// Package integrity signs and checksums script-execution packages exchanged
// with devices, and scrubs execution output before it is persisted or
// broadcast.
//
// The signing keypair is persisted to disk and loaded on startup, so a
// package produced by one gateway instance verifies on any other instance
// sharing the key — including instances started after the signer stopped.
package integrity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Manifest describes how a device should execute the packaged script.
type Manifest struct {
	Interpreter    string            `json:"interpreter"`
	TimeoutSeconds int               `json:"timeout"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	WorkingDir     string            `json:"workingDir,omitempty"`
	Retry          *RetryPolicy      `json:"retry,omitempty"`
}

// RetryPolicy bounds device-side re-execution.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries"`
	BackoffMs  int `json:"backoffMs"`
}

// ScriptPackage is a signed bundle of script plus manifest.
type ScriptPackage struct {
	ID           string    `json:"id"`
	ScriptBase64 string    `json:"script"`
	Manifest     Manifest  `json:"manifest"`
	Checksum     string    `json:"checksum"`  // hex SHA-256 of the raw script bytes
	Signature    string    `json:"signature"` // base64 ed25519 over the canonical bytes
	ApprovalID   string    `json:"approvalId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Signer holds the instance's persistent ed25519 keypair. Read-only after
// construction.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner loads the keypair at keyPath, generating and persisting a fresh
// one when the file does not exist.
func NewSigner(keyPath string) (*Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		return signerFromPEM(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key %s: %w", keyPath, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode signing key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, block, 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key %s: %w", keyPath, err)
	}

	slog.Info("Generated script signing key", "path", keyPath)
	return &Signer{priv: priv, pub: pub}, nil
}

func signerFromPEM(data []byte) (*Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signing key: no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key: not an ed25519 key")
	}
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Package builds a signed ScriptPackage for the raw script bytes.
func (s *Signer) Package(script []byte, manifest Manifest, approvalID string) (*ScriptPackage, error) {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("package id: %w", err)
	}

	pkg := &ScriptPackage{
		ID:           "pkg_" + hex.EncodeToString(idBytes[:]),
		ScriptBase64: base64.StdEncoding.EncodeToString(script),
		Manifest:     manifest,
		ApprovalID:   approvalID,
		CreatedAt:    time.Now().UTC(),
	}

	sum := sha256.Sum256(script)
	pkg.Checksum = hex.EncodeToString(sum[:])

	canonical, err := canonicalBytes(pkg)
	if err != nil {
		return nil, err
	}
	pkg.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, canonical))
	return pkg, nil
}

// VerifySignature strictly evaluates the package signature. Absent or
// malformed signatures verify false, never error.
func (s *Signer) VerifySignature(pkg *ScriptPackage) bool {
	if pkg == nil || pkg.Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(pkg.Signature)
	if err != nil {
		return false
	}
	canonical, err := canonicalBytes(pkg)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, canonical, sig)
}

// VerifyChecksum recomputes the script digest and compares.
func (s *Signer) VerifyChecksum(pkg *ScriptPackage) bool {
	if pkg == nil {
		return false
	}
	script, err := base64.StdEncoding.DecodeString(pkg.ScriptBase64)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:]) == pkg.Checksum
}

// PublicKey returns the base64 verification key, stable across instances
// sharing the persisted keypair.
func (s *Signer) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.pub)
}

// canonicalBytes serializes the signed surface of a package: id, script,
// canonical manifest, checksum. Manifest JSON is deterministic (struct field
// order plus sorted map keys), so signatures are reproducible.
func canonicalBytes(pkg *ScriptPackage) ([]byte, error) {
	manifest, err := json.Marshal(pkg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("canonical manifest: %w", err)
	}
	return []byte(pkg.ID + "." + pkg.ScriptBase64 + "." + string(manifest) + "." + pkg.Checksum), nil
}

package integrity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() Manifest {
	return Manifest{
		Interpreter:    "bash",
		TimeoutSeconds: 30,
		Capabilities:   []string{"net"},
		Env:            map[string]string{"LANG": "C"},
		WorkingDir:     "/tmp",
		Retry:          &RetryPolicy{MaxRetries: 2, BackoffMs: 500},
	}
}

func TestPackageVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner(filepath.Join(t.TempDir(), "sign.key"))
	require.NoError(t, err)

	pkg, err := signer.Package([]byte("echo hello"), testManifest(), "apr-1")
	require.NoError(t, err)

	assert.Regexp(t, `^pkg_[0-9a-f]{32}$`, pkg.ID)
	assert.Len(t, pkg.Checksum, 64)
	assert.True(t, signer.VerifySignature(pkg))
	assert.True(t, signer.VerifyChecksum(pkg))
}

func TestTamperingFlipsVerification(t *testing.T) {
	signer, err := NewSigner(filepath.Join(t.TempDir(), "sign.key"))
	require.NoError(t, err)

	pkg, err := signer.Package([]byte("echo hello"), testManifest(), "")
	require.NoError(t, err)

	tampered := *pkg
	tampered.ScriptBase64 = "ZWNobyBwd25lZA==" // echo pwned
	assert.False(t, signer.VerifySignature(&tampered))
	assert.False(t, signer.VerifyChecksum(&tampered))

	tampered = *pkg
	tampered.Checksum = "00" + tampered.Checksum[2:]
	assert.False(t, signer.VerifySignature(&tampered))
	assert.False(t, signer.VerifyChecksum(&tampered))

	tampered = *pkg
	tampered.Signature = ""
	assert.False(t, signer.VerifySignature(&tampered))
}

func TestVerificationSurvivesRestart(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "sign.key")

	instanceA, err := NewSigner(keyPath)
	require.NoError(t, err)
	pkg, err := instanceA.Package([]byte("echo hello"), testManifest(), "")
	require.NoError(t, err)

	// Instance B starts after A is gone and loads the same persisted key.
	instanceB, err := NewSigner(keyPath)
	require.NoError(t, err)

	assert.True(t, instanceB.VerifySignature(pkg))
	assert.True(t, instanceB.VerifyChecksum(pkg))
	assert.Equal(t, instanceA.PublicKey(), instanceB.PublicKey())
}

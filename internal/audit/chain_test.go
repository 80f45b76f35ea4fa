package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	chain, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })
	return chain
}

func TestChain_AppendAndVerify(t *testing.T) {
	chain := newTestChain(t)

	for i := 0; i < 10; i++ {
		id, err := chain.Append(CategoryDetection, "detector", "threat_detected", map[string]interface{}{
			"index": i,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	result, err := chain.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(10), result.TotalEntries)
	assert.Equal(t, int64(-1), result.FirstInvalidOffset)
}

func TestChain_GenesisPrevHash(t *testing.T) {
	chain := newTestChain(t)

	_, err := chain.Append(CategoryLifecycle, "monitor", "started", nil)
	require.NoError(t, err)

	entries, err := chain.ReadSince(time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, strings.Repeat("0", 64), entries[0].PrevHash)
	assert.NotEmpty(t, entries[0].HMAC)
}

func TestChain_TamperingReportsFirstBadOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	chain, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := chain.Append(CategoryResponse, "responder", "action_executed", map[string]interface{}{
			"marker": "alpha",
		})
		require.NoError(t, err)
	}
	require.NoError(t, chain.Close())

	// Flip a value inside the third entry without changing line lengths.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(data, []byte("\n"))
	tampered := bytes.Replace(lines[3], []byte("alpha"), []byte("bravo"), 1)
	require.NotEqual(t, lines[3], tampered)
	lines[3] = tampered
	require.NoError(t, os.WriteFile(path, bytes.Join(lines, []byte("\n")), 0o600))

	var wantOffset int64
	for i := 0; i < 3; i++ {
		wantOffset += int64(len(lines[i])) + 1
	}

	reopened, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.VerifyChain()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, wantOffset, result.FirstInvalidOffset)
	assert.NotEmpty(t, result.FirstInvalidID)
}

func TestChain_DeleteBreaksLinkage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	chain, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := chain.Append(CategoryConfig, "config", "saved", nil)
		require.NoError(t, err)
	}
	require.NoError(t, chain.Close())

	// Drop the second entry entirely.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(data, []byte("\n"))
	lines = append(lines[:2], lines[3:]...)
	require.NoError(t, os.WriteFile(path, bytes.Join(lines, []byte("\n")), 0o600))

	reopened, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.VerifyChain()
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestChain_RestartContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	chain, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)
	_, err = chain.Append(CategoryLifecycle, "monitor", "started", nil)
	require.NoError(t, err)
	tail := chain.Tail()
	require.NoError(t, chain.Close())

	reopened, err := NewChain(DefaultChainConfig(path), []byte("test-secret"), testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, tail, reopened.Tail())

	_, err = reopened.Append(CategoryLifecycle, "monitor", "restarted", nil)
	require.NoError(t, err)

	result, err := reopened.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(2), result.TotalEntries)
}

func TestChain_RotationKeepsVerifiability(t *testing.T) {
	dir := t.TempDir()
	config := DefaultChainConfig(filepath.Join(dir, "audit.log"))
	config.MaxBytes = 600 // force rotation after a couple of entries

	chain, err := NewChain(config, []byte("test-secret"), testLogger())
	require.NoError(t, err)
	defer chain.Close()

	for i := 0; i < 10; i++ {
		_, err := chain.Append(CategoryDetection, "detector", "threat_detected", map[string]interface{}{
			"payload": strings.Repeat("x", 64),
		})
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "audit.log.*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected at least one sealed chain file")

	result, err := chain.VerifyChain()
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestChain_AppendAfterCloseFails(t *testing.T) {
	chain := newTestChain(t)
	require.NoError(t, chain.Close())

	_, err := chain.Append(CategoryError, "monitor", "late_write", nil)
	assert.Error(t, err)
}

func TestLoadOrCreateSecret_EnvWins(t *testing.T) {
	t.Setenv(EnvSecret, "env-provided-secret")

	secret, err := LoadOrCreateSecret(filepath.Join(t.TempDir(), "secret"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, []byte("env-provided-secret"), secret)
}

func TestLoadOrCreateSecret_GeneratesAndReuses(t *testing.T) {
	t.Setenv(EnvSecret, "")
	path := filepath.Join(t.TempDir(), "secret")

	first, err := LoadOrCreateSecret(path, testLogger())
	require.NoError(t, err)
	assert.Len(t, first, secretBytes)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSecret(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeriveSecret_ScopesDiffer(t *testing.T) {
	base := []byte("base-secret")

	shadow := DeriveSecret(base, "shadow")
	other := DeriveSecret(base, "other")

	assert.NotEqual(t, base, shadow)
	assert.NotEqual(t, shadow, other)
	assert.Equal(t, shadow, DeriveSecret(base, "shadow"))
}

package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnvSecret names the environment variable holding the monitoring secret.
const EnvSecret = "SELF_MONITORING_SECRET"

// secretBytes is the size of a generated secret before hex encoding.
const secretBytes = 32

// LoadOrCreateSecret resolves the HMAC secret for the monitoring process.
// The environment variable wins when set. Otherwise the secret is read
// from path; if the file does not exist a fresh random secret is generated
// and persisted there with 0600 permissions so restarts reuse it.
func LoadOrCreateSecret(path string, logger *logrus.Logger) ([]byte, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if v := os.Getenv(EnvSecret); v != "" {
		return []byte(v), nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		secret, derr := decodeSecret(data)
		if derr != nil {
			return nil, fmt.Errorf("secret file %s: %w", path, derr)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret file %s: %w", path, err)
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	encoded := hex.EncodeToString(raw)

	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist secret file %s: %w", path, err)
	}

	logger.WithField("path", path).Info("Generated new monitoring secret")
	return raw, nil
}

func decodeSecret(data []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("secret file is empty")
	}
	secret, err := hex.DecodeString(trimmed)
	if err != nil {
		// Operator-provided files may hold a raw passphrase.
		return []byte(trimmed), nil
	}
	return secret, nil
}

// DeriveSecret derives a scoped sub-secret, e.g. for the shadow chain, so
// the two chains cannot mask tampering of one another.
func DeriveSecret(secret []byte, scope string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(scope))
	return mac.Sum(nil)
}

package response

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/crypto/argon2"
)

// SecretPolicy controls the complexity of rotated credentials.
type SecretPolicy struct {
	Length  int  // characters; minimum 16
	Symbols bool // include punctuation beyond alphanumerics
}

// DefaultSecretPolicy returns the rotation default: 32 characters drawn
// from all four character classes.
func DefaultSecretPolicy() SecretPolicy {
	return SecretPolicy{Length: 32, Symbols: true}
}

const (
	secretLower   = "abcdefghijklmnopqrstuvwxyz"
	secretUpper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	secretDigits  = "0123456789"
	secretSymbols = "!#$%&*+-=?@^_"
)

// GenerateSecret produces a random secret satisfying the policy: one
// character from each enabled class, the rest uniform over all of them.
func GenerateSecret(policy SecretPolicy) (string, error) {
	if policy.Length < 16 {
		policy.Length = 16
	}

	classes := []string{secretLower, secretUpper, secretDigits}
	if policy.Symbols {
		classes = append(classes, secretSymbols)
	}

	alphabet := ""
	for _, class := range classes {
		alphabet += class
	}

	out := make([]byte, policy.Length)
	for i, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		out[i] = c
	}
	for i := len(classes); i < policy.Length; i++ {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", err
		}
		out[i] = c
	}

	// Shuffle so the guaranteed class characters are not positional.
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}

	return string(out), nil
}

func randomChar(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("generate secret: %w", err)
	}
	return alphabet[n.Int64()], nil
}

// CredentialVault applies rotated secrets to protected accounts. Swap
// returns the secret it replaced so the caller can park it under a
// rollback token.
type CredentialVault interface {
	Swap(ctx context.Context, account, secret string) (string, error)
}

type vaultEntry struct {
	secret string
	salt   []byte
	digest []byte
}

// MemoryVault is the in-process CredentialVault. It keeps an Argon2id
// digest per account so holders of the map cannot read credentials that
// were already swapped out, plus the current secret for the next swap.
type MemoryVault struct {
	mu       sync.Mutex
	accounts map[string]*vaultEntry
}

// NewMemoryVault creates an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{accounts: make(map[string]*vaultEntry)}
}

// Seed installs an account's current secret without rotation semantics.
func (v *MemoryVault) Seed(account, secret string) error {
	_, err := v.Swap(context.Background(), account, secret)
	return err
}

// Swap implements CredentialVault.
func (v *MemoryVault) Swap(_ context.Context, account, secret string) (string, error) {
	if account == "" {
		return "", fmt.Errorf("account is required")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	old := ""
	if entry, ok := v.accounts[account]; ok {
		old = entry.secret
	}
	v.accounts[account] = &vaultEntry{
		secret: secret,
		salt:   salt,
		digest: digestSecret(secret, salt),
	}
	return old, nil
}

// Verify reports whether the presented secret matches the account's
// current credential.
func (v *MemoryVault) Verify(account, secret string) bool {
	v.mu.Lock()
	entry, ok := v.accounts[account]
	v.mu.Unlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(entry.digest, digestSecret(secret, entry.salt)) == 1
}

func digestSecret(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
}

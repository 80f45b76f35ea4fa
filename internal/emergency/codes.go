package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const unlockIssuer = "dbsentinel-emergency"

var errManualUnlockDisabled = errors.New("manual unlock disabled for this lockdown; an unlock code is required")

// GenerateUnlockCode mints a signed emergency unlock code for the named
// operator. Codes expire after the configured TTL and work even on
// lockdowns that forbid plain manual unlock.
func (p *Protector) GenerateUnlockCode(subject string) (string, error) {
	if p.config.UnlockSecret == "" {
		return "", fmt.Errorf("no unlock secret configured")
	}
	if subject == "" {
		return "", fmt.Errorf("unlock codes require a subject")
	}
	now := p.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    unlockIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.config.UnlockCodeTTL)),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	code, err := token.SignedString([]byte(p.config.UnlockSecret))
	if err != nil {
		return "", fmt.Errorf("sign unlock code: %w", err)
	}
	p.audit("unlock_code_issued", map[string]interface{}{
		"subject":    subject,
		"expires_at": claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return code, nil
}

// UnlockWithCode releases a lockdown given a valid emergency unlock
// code, bypassing the manual-unlock restriction.
func (p *Protector) UnlockWithCode(ctx context.Context, lockdownID, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.config.UnlockSecret == "" {
		return fmt.Errorf("no unlock secret configured")
	}
	ld, err := p.activeLockdownLocked(lockdownID)
	if err != nil {
		return err
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(code, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(p.config.UnlockSecret), nil
	}, jwt.WithIssuer(unlockIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(p.now))
	if err != nil {
		p.audit("unlock_code_rejected", map[string]interface{}{
			"lockdown_id": lockdownID,
			"error":       err.Error(),
		})
		return fmt.Errorf("invalid unlock code: %w", err)
	}

	now := p.now()
	p.releaseLocked(ctx, now, ld, "unlock_code:"+claims.Subject)
	p.updateLevelLocked(now, p.assessLocked(now))
	return nil
}

func (p *Protector) activeLockdownLocked(lockdownID string) (*SystemLockdown, error) {
	ld, ok := p.lockdowns[lockdownID]
	if !ok {
		return nil, fmt.Errorf("unknown lockdown %s", lockdownID)
	}
	if !ld.Active {
		return nil, fmt.Errorf("lockdown %s is not active", lockdownID)
	}
	return ld, nil
}

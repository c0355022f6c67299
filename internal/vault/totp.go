package vault

import (
	"context"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	verrors "github.com/rustyclaw/gateway/internal/errors"
)

// totpCredentialName is the reserved vault credential name a seed is
// stored under for a given account, per spec.md §4.4 "stores it under a
// reserved name."
func totpCredentialName(account string) string { return "totp:" + account }

// totpState tracks burned time-steps per session to prevent replay,
// per spec.md §4.4 "after a successful verify a step is burned for that
// session."
type totpState struct {
	mu     sync.Mutex
	burned map[string]map[int64]bool // sessionID -> step -> burned
}

func newTOTPState() *totpState {
	return &totpState{burned: make(map[string]map[int64]bool)}
}

func (s *totpState) isBurned(sessionID string, step int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.burned[sessionID][step]
}

func (s *totpState) burn(sessionID string, step int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.burned[sessionID] == nil {
		s.burned[sessionID] = make(map[int64]bool)
	}
	s.burned[sessionID][step] = true
	// Bound memory: drop steps older than a few windows.
	for st := range s.burned[sessionID] {
		if step-st > 4 {
			delete(s.burned[sessionID], st)
		}
	}
}

// SetupTOTP generates a 20-byte seed for account, stores it in the vault,
// and returns the otpauth:// URI for enrollment.
func (v *Vault) SetupTOTP(ctx context.Context, account, issuer string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		SecretSize:  20,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return "", verrors.Internal("generate totp seed", err)
	}
	seed := key.Secret()
	if err := v.Store(ctx, totpCredentialName(account), KindTOTPSeed, []byte(seed), Policy{}); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// HasTOTP reports whether account has a TOTP seed registered.
func (v *Vault) HasTOTP(account string) bool {
	_, err := v.Peek(totpCredentialName(account))
	return err == nil
}

// VerifyTOTP checks code against account's seed, accepting a ±1 step
// (30s) skew window, and burns the accepted step for sessionID so the
// same code cannot be replayed within that session.
func (v *Vault) VerifyTOTP(ctx context.Context, account, code, sessionID string) (bool, error) {
	seed, err := v.Get(ctx, totpCredentialName(account))
	if err != nil {
		return false, err
	}
	now := time.Now()
	step := now.Unix() / 30
	for _, delta := range []int64{0, -1, 1} {
		candidateStep := step + delta
		if v.totp.isBurned(sessionID, candidateStep) {
			continue
		}
		t := time.Unix(candidateStep*30, 0)
		ok, err := totp.ValidateCustom(code, string(seed), t, totp.ValidateOpts{
			Period:    30,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if ok {
			v.totp.burn(sessionID, candidateStep)
			return true, nil
		}
	}
	return false, nil
}

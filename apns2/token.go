// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"crypto/ecdsa"
	"sync/atomic"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

// DefaultTokenRefreshAge is the age at which a provider token is considered
// expired and regenerated before use. APN service stops honoring tokens that
// are older than 1 hour; 3300 seconds leaves a 5 minute safety margin.
// If changed, any token sources created thereafter will use the new value.
var DefaultTokenRefreshAge = 3300 * time.Second

// DefaultJWTSigningMethod method for APN requests is ES256.
var DefaultJWTSigningMethod = jwt.SigningMethodES256

// TokenSource maintains the current provider authentication token together
// with a monotonic generation counter. It is safe to use in concurrent
// goroutines.
//
// Every caller that observes an expired or rejected token regenerates by
// passing the generation it observed. The compare-and-swap on the counter
// guarantees exactly one regeneration per observed generation no matter how
// many requests discover the staleness concurrently.
type TokenSource struct {
	keyID  string
	teamID string

	signingKey    *ecdsa.PrivateKey
	signingMethod *jwt.SigningMethodECDSA

	refreshAge time.Duration
	now        func() time.Time

	generation uint64
	current    atomic.Value // *providerToken
}

// providerToken is one minted token epoch. Immutable once stored.
type providerToken struct {
	token    string
	issuedAt time.Time
}

// NewTokenSource mints the initial provider token for the supplied signing
// key and identifiers and returns the ready source.
func NewTokenSource(signingKey *ecdsa.PrivateKey, keyID, teamID string) (*TokenSource, error) {
	if keyID == "" {
		return nil, ErrTokenKeyIDInvalid
	}
	if teamID == "" {
		return nil, ErrTokenTeamIDInvalid
	}
	s := &TokenSource{
		keyID:         keyID,
		teamID:        teamID,
		signingKey:    signingKey,
		signingMethod: DefaultJWTSigningMethod,
		refreshAge:    DefaultTokenRefreshAge,
		now:           time.Now,
	}
	if err := s.mint(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the live token and the generation that produced it.
func (s *TokenSource) Current() (string, uint64) {
	tk := s.current.Load().(*providerToken)
	return tk.token, atomic.LoadUint64(&s.generation)
}

// IsExpired reports whether the current token has reached the supplied age.
func (s *TokenSource) IsExpired(threshold time.Duration) bool {
	tk := s.current.Load().(*providerToken)
	return s.now().Sub(tk.issuedAt) >= threshold
}

// Regenerate mints a fresh token if observed still matches the live
// generation. A mismatch means another caller already regenerated this
// epoch and the call is a no-op.
func (s *TokenSource) Regenerate(observed uint64) error {
	if !atomic.CompareAndSwapUint64(&s.generation, observed, observed+1) {
		return nil
	}
	return s.mint()
}

func (s *TokenSource) mint() error {
	now := s.now()
	t := &jwt.Token{
		Header: map[string]interface{}{
			"alg": s.signingMethod.Name,
			"kid": s.keyID,
		},
		Claims: jwt.MapClaims{
			"iss": s.teamID,
			"iat": now.Unix(),
		},
		Method: s.signingMethod,
	}
	ss, err := t.SignedString(s.signingKey)
	if err != nil {
		return err
	}
	s.current.Store(&providerToken{token: ss, issuedAt: now})
	return nil
}

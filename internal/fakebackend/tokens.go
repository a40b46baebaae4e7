package fakebackend

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/school-console/token"
	"github.com/pkg/errors"
)

// signer mints and verifies the HS256 tokens the fake backend hands out.
type signer struct {
	secret []byte
}

func newSigner(secret string) *signer {
	return &signer{secret: []byte(secret)}
}

func (s *signer) sign(claims *token.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "[signer.sign] SignedString")
	}
	return signed, nil
}

// verify checks the signature and registered claims of raw.
func (s *signer) verify(raw string) (*token.Claims, error) {
	claims := &token.Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(err, "[signer.verify] ParseWithClaims")
	}
	if !tok.Valid {
		return nil, errors.New("[signer.verify] invalid token")
	}
	return claims, nil
}

func (s *signer) key(tok *jwt.Token) (any, error) {
	if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.Errorf("unexpected signing method: %v", tok.Header["alg"])
	}
	return s.secret, nil
}

// revocations holds the IDs of rotated, logged-out or force-expired tokens until they
// would have expired anyway.
type revocations struct {
	lock sync.RWMutex
	jtis map[string]time.Time
}

func newRevocations() *revocations {
	return &revocations{jtis: make(map[string]time.Time)}
}

func (r *revocations) add(jti string, exp time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.jtis[jti] = exp
}

func (r *revocations) has(jti string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, found := r.jtis[jti]
	return found
}

// prune forgets entries whose tokens are past expiry at now.
func (r *revocations) prune(now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for jti, exp := range r.jtis {
		if !exp.IsZero() && now.After(exp) {
			delete(r.jtis, jti)
		}
	}
}

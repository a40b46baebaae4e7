package fakebackend

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/school-console/token"
	"github.com/stretchr/testify/require"
)

func TestSignerVerify(t *testing.T) {
	s := newSigner("1234")
	raw, err := s.sign(&token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	require.NoError(t, err)

	claims, err := s.verify(raw)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)

	_, err = newSigner("wrong").verify(raw)
	require.Error(t, err)

	expired, err := s.sign(&token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	require.NoError(t, err)
	_, err = s.verify(expired)
	require.Error(t, err)
}

func TestRevocationsPrune(t *testing.T) {
	now := time.Now()
	r := newRevocations()
	r.add("a", now.Add(time.Minute))
	r.add("b", now.Add(-time.Minute))
	require.True(t, r.has("a"))
	require.True(t, r.has("b"))
	require.False(t, r.has("c"))

	r.prune(now)
	require.True(t, r.has("a"))
	require.False(t, r.has("b"))
}

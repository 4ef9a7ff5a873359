package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateProducesLowercaseHex(t *testing.T) {
	svc := NewService(Options{})
	tok, err := svc.Generate()
	require.NoError(t, err)
	require.Len(t, tok, DefaultLength)
	for _, c := range tok {
		require.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'),
			"unexpected character %q in token", c)
	}
}

func TestGenerateIsUnique(t *testing.T) {
	svc := NewService(Options{})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := svc.Generate()
		require.NoError(t, err)
		require.False(t, seen[tok], "duplicate token generated")
		seen[tok] = true
	}
}

func TestValidateMatchesOnlyOriginalToken(t *testing.T) {
	svc := NewService(Options{})
	tok, err := svc.Generate()
	require.NoError(t, err)
	digest := svc.Hash(tok)

	require.True(t, svc.Validate(tok, digest))

	other, err := svc.Generate()
	require.NoError(t, err)
	require.False(t, svc.Validate(other, digest))
	require.False(t, svc.Validate("", digest))
	require.False(t, svc.Validate(tok, ""))
	require.False(t, svc.Validate(tok[:DefaultLength-1], digest))
}

func TestValidFormat(t *testing.T) {
	svc := NewService(Options{})
	tok, err := svc.Generate()
	require.NoError(t, err)

	require.True(t, svc.ValidFormat(tok))
	require.False(t, svc.ValidFormat(""))
	require.False(t, svc.ValidFormat(tok[:10]))
	require.False(t, svc.ValidFormat(tok[:DefaultLength-1]+"G"))
	require.False(t, svc.ValidFormat(tok[:DefaultLength-1]+"Z"))
}

func TestExpiryIsAbsolute(t *testing.T) {
	svc := NewService(Options{TTL: 24 * time.Hour})
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := svc.ExpiryFrom(issued)

	require.False(t, svc.Expired(&expires, issued))
	require.False(t, svc.Expired(&expires, expires.Add(-time.Second)))
	require.True(t, svc.Expired(&expires, expires.Add(time.Second)))
}

func TestExpiredWithoutTimestamp(t *testing.T) {
	svc := NewService(Options{})
	require.True(t, svc.Expired(nil, time.Now()))
}

func TestOptionsDefaults(t *testing.T) {
	svc := NewService(Options{Length: 0, TTL: 0})
	require.Equal(t, DefaultLength, svc.Length())

	custom := NewService(Options{Length: 32})
	tok, err := custom.Generate()
	require.NoError(t, err)
	require.Len(t, tok, 32)
}

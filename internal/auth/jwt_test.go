package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcore/messaging-core/internal/merrors"
)

func TestValidator_IssueAndValidate(t *testing.T) {
	v := NewValidator("s3cret", "messaging-core")

	token, err := v.Issue("user-1", time.Minute)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestValidator_RejectsBadSignature(t *testing.T) {
	v1 := NewValidator("s3cret", "messaging-core")
	v2 := NewValidator("different", "messaging-core")

	token, err := v1.Issue("user-1", time.Minute)
	require.NoError(t, err)

	_, err = v2.Validate(token)
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.KindAuth))
}

func TestValidator_RejectsExpired(t *testing.T) {
	v := NewValidator("s3cret", "messaging-core")

	token, err := v.Issue("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.KindAuth))
}

func TestValidator_RejectsWrongIssuer(t *testing.T) {
	issuing := NewValidator("s3cret", "other-issuer")
	validating := NewValidator("s3cret", "messaging-core")

	token, err := issuing.Issue("user-1", time.Minute)
	require.NoError(t, err)

	_, err = validating.Validate(token)
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.KindAuth))
}

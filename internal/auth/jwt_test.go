package auth

import (
	"testing"
	"time"

	"checkin-core/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour, 24*time.Hour)

	pair, err := iss.Issue(42, domain.RoleCommunityStaff)
	require.NoError(t, err)

	claims, err := iss.Parse(pair.AccessToken, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, domain.RoleCommunityStaff, claims.Role)

	_, err = iss.Parse(pair.AccessToken, TokenRefresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	claims, err = iss.Parse(pair.RefreshToken, TokenRefresh)
	require.NoError(t, err)
	assert.Equal(t, TokenRefresh, claims.Type)
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2025, 1, 7, 8, 0, 0, 0, time.UTC)
	iss := NewIssuer("test-secret", time.Hour, 24*time.Hour).WithClock(func() time.Time { return now })

	pair, err := iss.Issue(1, domain.RoleRegular)
	require.NoError(t, err)

	other := NewIssuer("other-secret", time.Hour, time.Hour).WithClock(func() time.Time { return now })
	_, err = other.Parse(pair.AccessToken, TokenAccess)
	assert.Error(t, err)

	later := NewIssuer("test-secret", time.Hour, 24*time.Hour).WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = later.Parse(pair.AccessToken, TokenAccess)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = iss.Parse("not-a-token", TokenAccess)
	assert.Error(t, err)
}

package digest

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	badgerstore "github.com/ternarybob/ideadigest/internal/storage/badger"
)

func newTestUsers(t *testing.T) interfaces.UserDirectory {
	t.Helper()
	manager, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	users := manager.UserDirectory()
	for _, id := range []string{"u1", "u2"} {
		require.NoError(t, users.SaveUser(context.Background(), &models.UserProfile{UserID: id, Email: id + "@example.com", DigestEnabled: true}))
	}
	return users
}

func TestTokenSigner_RoundTrip(t *testing.T) {
	signer, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)

	token, err := signer.Sign("u1")
	require.NoError(t, err)

	userID, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestTokenSigner_Rejects(t *testing.T) {
	signer, err := NewTokenSigner("secret", time.Hour)
	require.NoError(t, err)

	other, err := NewTokenSigner("another-secret", time.Hour)
	require.NoError(t, err)
	foreign, err := other.Sign("u1")
	require.NoError(t, err)

	issued := time.Now()
	expiring, err := NewTokenSigner("secret", time.Minute)
	require.NoError(t, err)
	expiring.WithClock(func() time.Time { return issued })
	stale, err := expiring.Sign("u1")
	require.NoError(t, err)

	wrongPurpose, err := jwt.NewWithClaims(jwt.SigningMethodHS256, unsubscribeClaims{
		Purpose:          "login",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	expiring.WithClock(func() time.Time { return issued.Add(2 * time.Minute) })

	tests := []struct {
		name   string
		signer *TokenSigner
		token  string
	}{
		{name: "garbage", signer: signer, token: "not-a-token"},
		{name: "foreign secret", signer: signer, token: foreign},
		{name: "expired", signer: expiring, token: stale},
		{name: "wrong purpose", signer: signer, token: wrongPurpose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.signer.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidUnsubscribe)
		})
	}
}

func TestUnsubscribeService(t *testing.T) {
	ctx := context.Background()
	signer, err := NewTokenSigner("secret", 0)
	require.NoError(t, err)
	tokenU1, err := signer.Sign("u1")
	require.NoError(t, err)

	tests := []struct {
		name        string
		allowLegacy bool
		req         UnsubscribeRequest
		wantUser    string
		wantErr     bool
	}{
		{name: "token with matching user", req: UnsubscribeRequest{UserID: "u1", Token: tokenU1}, wantUser: "u1"},
		{name: "token alone", req: UnsubscribeRequest{Token: tokenU1}, wantUser: "u1"},
		{name: "token for another user", req: UnsubscribeRequest{UserID: "u2", Token: tokenU1}, wantErr: true},
		{name: "legacy allowed", allowLegacy: true, req: UnsubscribeRequest{LegacyUserID: "u2"}, wantUser: "u2"},
		{name: "legacy disabled", req: UnsubscribeRequest{LegacyUserID: "u2"}, wantErr: true},
		{name: "user id without token", allowLegacy: true, req: UnsubscribeRequest{UserID: "u1"}, wantErr: true},
		{name: "nothing", allowLegacy: true, req: UnsubscribeRequest{}, wantErr: true},
		{name: "unknown legacy user", allowLegacy: true, req: UnsubscribeRequest{LegacyUserID: "ghost"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := newTestUsers(t)
			svc := NewUnsubscribeService(signer, users, "https://digest.example.com/", tt.allowLegacy, arbor.NewLogger())

			userID, err := svc.Unsubscribe(ctx, tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidUnsubscribe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, userID)

			user, err := users.GetUser(ctx, tt.wantUser)
			require.NoError(t, err)
			assert.True(t, user.Unsubscribed)
		})
	}
}

func TestUnsubscribeService_URL(t *testing.T) {
	signer, err := NewTokenSigner("secret", 0)
	require.NoError(t, err)
	svc := NewUnsubscribeService(signer, newTestUsers(t), "https://digest.example.com/", false, arbor.NewLogger())

	link, err := svc.URL("u1")
	require.NoError(t, err)
	assert.Contains(t, link, "https://digest.example.com/api/unsubscribe?token=")
	assert.Contains(t, link, "&user_id=u1")
}

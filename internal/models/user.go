package models

import "time"

// UserProfile is the subset of a user account the digest pipeline needs
type UserProfile struct {
	UserID         string    `json:"user_id" badgerhold:"key"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	ChannelID      string    `json:"channel_id,omitempty"` // Used when no OAuth token is linked
	IdeaCount      int       `json:"idea_count"` // Zero means use the configured default
	DigestEnabled  bool      `json:"digest_enabled" badgerhold:"index"`
	Unsubscribed   bool      `json:"unsubscribed"`
	UnsubscribedAt time.Time `json:"unsubscribed_at,omitempty"`

	// Creator OAuth token for the video platform
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package models

import "time"

// Channel is the creator's channel snapshot, one per user
type Channel struct {
	UserID            string    `json:"user_id" badgerhold:"key"`
	ChannelID         string    `json:"channel_id"`
	Title             string    `json:"title"`
	UploadsPlaylistID string    `json:"uploads_playlist_id"`
	Subscribers       int64     `json:"subscribers"`
	VideoCount        int64     `json:"video_count"`
	ViewCount         int64     `json:"view_count"`
	MedianViews       int64     `json:"median_views"` // Filled in by the metrics stage
	SyncedAt          time.Time `json:"synced_at"`
}

// Video is one upload with its engagement counters at sync time
type Video struct {
	UserID      string    `json:"user_id" badgerhold:"index"`
	VideoID     string    `json:"video_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Views       int64     `json:"views"`
	Likes       int64     `json:"likes"`
	Comments    int64     `json:"comments"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Comment is a top-level audience comment on a video
type Comment struct {
	UserID      string    `json:"user_id" badgerhold:"index"`
	VideoID     string    `json:"video_id" badgerhold:"index"`
	CommentID   string    `json:"comment_id"`
	Author      string    `json:"author"`
	Text        string    `json:"text"`
	Likes       int64     `json:"likes"`
	PublishedAt time.Time `json:"published_at"`
}

// VideoMetrics are derived per-video performance figures
type VideoMetrics struct {
	UserID         string    `json:"user_id" badgerhold:"index"`
	VideoID        string    `json:"video_id"`
	EngagementRate float64   `json:"engagement_rate"` // (likes + comments) / views
	LikeRatio      float64   `json:"like_ratio"`      // likes / views
	CommentsPer1K  float64   `json:"comments_per_1k"`
	AgeDays        float64   `json:"age_days"`
	TopComment     string    `json:"top_comment,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// PlatformKey builds the storage key for a per-video record of a user
func PlatformKey(userID, id string) string {
	return userID + "/" + id
}

package models

import "time"

// Idea is one ranked content suggestion derived from a past video
type Idea struct {
	Rank           int       `json:"rank"`
	VideoID        string    `json:"video_id"`
	SourceTitle    string    `json:"source_title"`
	WorkingTitle   string    `json:"working_title"`
	Score          float64   `json:"score"`
	Keywords       []string  `json:"keywords,omitempty"`
	AudiencePrompt string    `json:"audience_prompt,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// IdeaBatch is the digest for one user and period. It is read-only once saved.
type IdeaBatch struct {
	UserID      string    `json:"user_id" badgerhold:"index"`
	PeriodKey   string    `json:"period_key"`
	Ideas       []Idea    `json:"ideas"`
	Count       int       `json:"count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// IdeaBatchKey is the identity of a batch
func IdeaBatchKey(userID, periodKey string) string {
	return userID + "/" + periodKey
}

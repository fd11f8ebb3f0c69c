// Package ideas ranks a creator's synced videos into a digest of content ideas.
package ideas

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
)

// ErrNoData means the user has too few synced videos for a digest this period.
// Callers treat it as a skip, not a failure.
var ErrNoData = errors.New("not enough synced videos for a digest")

const maxKeywords = 3

// Config holds ranking weights
type Config struct {
	DefaultIdeaCount int
	MinVideos        int
	ViewsWeight      float64
	LikesWeight      float64
	CommentsWeight   float64
	HalfLifeDays     float64 // Zero disables recency decay
}

// NewConfig builds generator config from the [digest] section
func NewConfig(cfg common.DigestConfig) Config {
	return Config{
		DefaultIdeaCount: cfg.DefaultIdeaCount,
		MinVideos:        cfg.MinVideos,
		ViewsWeight:      cfg.ViewsWeight,
		LikesWeight:      cfg.LikesWeight,
		CommentsWeight:   cfg.CommentsWeight,
		HalfLifeDays:     cfg.HalfLifeDays,
	}
}

// Generator builds idea batches from stored platform data
type Generator struct {
	storage interfaces.PlatformStorage
	config  Config
	logger  arbor.ILogger
}

// NewGenerator creates a new idea generator
func NewGenerator(storage interfaces.PlatformStorage, config Config, logger arbor.ILogger) *Generator {
	return &Generator{
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

// Generate ranks the user's synced videos into at most ideaCount ideas.
// Unchanged data always yields an identical batch.
func (g *Generator) Generate(ctx context.Context, userID string, ideaCount int) (*models.IdeaBatch, error) {
	return g.GenerateForPeriod(ctx, userID, "", ideaCount)
}

// GenerateForPeriod is Generate with the batch stamped for periodKey
func (g *Generator) GenerateForPeriod(ctx context.Context, userID, periodKey string, ideaCount int) (*models.IdeaBatch, error) {
	if ideaCount <= 0 {
		ideaCount = g.config.DefaultIdeaCount
	}
	if ideaCount <= 0 {
		return nil, fmt.Errorf("idea count must be positive")
	}

	videos, err := g.storage.ListVideos(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load videos for %s: %w", userID, err)
	}
	if len(videos) < g.config.MinVideos || len(videos) == 0 {
		g.logger.Info().
			Str("user_id", userID).
			Int("videos", len(videos)).
			Int("min_videos", g.config.MinVideos).
			Msg("Not enough videos for a digest")
		return nil, ErrNoData
	}

	metrics, err := g.storage.ListMetrics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics for %s: %w", userID, err)
	}
	byVideo := make(map[string]*models.VideoMetrics, len(metrics))
	for _, m := range metrics {
		byVideo[m.VideoID] = m
	}

	reference := referenceTime(videos)
	ideas := Rank(videos, byVideo, g.config, reference, ideaCount)

	batch := &models.IdeaBatch{
		UserID:      userID,
		PeriodKey:   periodKey,
		Ideas:       ideas,
		Count:       len(ideas),
		GeneratedAt: reference,
	}

	g.logger.Debug().Str("user_id", userID).Str("period", periodKey).Int("count", batch.Count).Msg("Generated idea batch")
	return batch, nil
}

// referenceTime is the newest publish time, so ages do not depend on the wall clock
func referenceTime(videos []*models.Video) time.Time {
	var ref time.Time
	for _, v := range videos {
		if v.PublishedAt.After(ref) {
			ref = v.PublishedAt
		}
	}
	return ref.UTC()
}

// Score is the weighted, recency-decayed engagement of a video at reference
func Score(v *models.Video, cfg Config, reference time.Time) float64 {
	raw := cfg.ViewsWeight*math.Log1p(float64(max(v.Views, 0))) +
		cfg.LikesWeight*math.Log1p(float64(max(v.Likes, 0))) +
		cfg.CommentsWeight*math.Log1p(float64(max(v.Comments, 0)))

	if cfg.HalfLifeDays <= 0 {
		return raw
	}
	age := reference.Sub(v.PublishedAt).Hours() / 24
	if age < 0 {
		age = 0
	}
	return raw * math.Exp2(-age/cfg.HalfLifeDays)
}

// Rank orders videos by score, then newer publish time, then video id, and
// turns the first count into ideas
func Rank(videos []*models.Video, metrics map[string]*models.VideoMetrics, cfg Config, reference time.Time, count int) []models.Idea {
	type scored struct {
		video *models.Video
		score float64
	}

	ranked := make([]scored, len(videos))
	for i, v := range videos {
		ranked[i] = scored{video: v, score: Score(v, cfg, reference)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.video.PublishedAt.Equal(b.video.PublishedAt) {
			return a.video.PublishedAt.After(b.video.PublishedAt)
		}
		return a.video.VideoID < b.video.VideoID
	})

	if count > len(ranked) {
		count = len(ranked)
	}

	ideas := make([]models.Idea, count)
	for i := 0; i < count; i++ {
		v := ranked[i].video
		var prompt string
		if m := metrics[v.VideoID]; m != nil {
			prompt = m.TopComment
		}
		ideas[i] = models.Idea{
			Rank:           i + 1,
			VideoID:        v.VideoID,
			SourceTitle:    v.Title,
			WorkingTitle:   workingTitle(v.Title, prompt),
			Score:          ranked[i].score,
			Keywords:       keywords(v),
			AudiencePrompt: prompt,
			PublishedAt:    v.PublishedAt.UTC(),
		}
	}
	return ideas
}

func workingTitle(title, prompt string) string {
	if title == "" {
		title = "your last hit"
	}
	if prompt != "" {
		return "Answering your comments: " + title
	}
	return "Follow-up: " + title
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true, "that": true,
	"from": true, "your": true, "you": true, "how": true, "what": true, "why": true,
}

// keywords takes the video's first tags, or significant title words when untagged
func keywords(v *models.Video) []string {
	source := v.Tags
	if len(source) == 0 {
		source = strings.Fields(v.Title)
	}

	seen := make(map[string]bool)
	var out []string
	for _, word := range source {
		word = strings.ToLower(strings.Trim(word, ".,!?:;\"'()[]#|-"))
		if len(word) < 3 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

package ideas

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	badgerstore "github.com/ternarybob/ideadigest/internal/storage/badger"
)

var base = time.Date(2026, 9, 28, 12, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T) interfaces.PlatformStorage {
	t.Helper()
	manager, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager.PlatformStorage()
}

func testConfig() Config {
	return Config{
		DefaultIdeaCount: 5,
		MinVideos:        3,
		ViewsWeight:      1.0,
		LikesWeight:      1.5,
		CommentsWeight:   2.0,
		HalfLifeDays:     0,
	}
}

// twelveVideos has a clear score ladder plus two exact ties at the top of the cut
func twelveVideos() []*models.Video {
	videos := make([]*models.Video, 0, 12)
	for i := 0; i < 10; i++ {
		videos = append(videos, &models.Video{
			VideoID:     fmt.Sprintf("v%02d", i),
			Title:       fmt.Sprintf("Recipe %d", i),
			PublishedAt: base.Add(-time.Duration(i) * 24 * time.Hour),
			Views:       int64(100 * (i + 1)),
			Likes:       int64(10 * (i + 1)),
			Comments:    int64(i + 1),
		})
	}
	// Same stats as each other and as the best ladder video, different publish dates
	top := videos[9]
	videos = append(videos,
		&models.Video{VideoID: "older", Title: "Old twin", PublishedAt: base.Add(-30 * 24 * time.Hour), Views: top.Views, Likes: top.Likes, Comments: top.Comments},
		&models.Video{VideoID: "newer", Title: "New twin", PublishedAt: base.Add(-24 * time.Hour / 2), Views: top.Views, Likes: top.Likes, Comments: top.Comments},
	)
	return videos
}

func TestGenerator_TopFiveOfTwelve(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.SaveVideos(ctx, "u1", twelveVideos()))

	gen := NewGenerator(storage, testConfig(), arbor.NewLogger())
	batch, err := gen.Generate(ctx, "u1", 5)
	require.NoError(t, err)
	require.Len(t, batch.Ideas, 5)
	assert.Equal(t, 5, batch.Count)

	ids := make([]string, len(batch.Ideas))
	for i, idea := range batch.Ideas {
		ids[i] = idea.VideoID
		assert.Equal(t, i+1, idea.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, batch.Ideas[i-1].Score, idea.Score)
		}
	}
	// Three-way tie at the top resolves by newest publish date
	assert.Equal(t, []string{"newer", "v09", "older", "v08", "v07"}, ids)
}

func TestGenerator_Deterministic(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.SaveVideos(ctx, "u1", twelveVideos()))
	require.NoError(t, storage.SaveMetrics(ctx, "u1", []*models.VideoMetrics{{VideoID: "v09", TopComment: "Do a dessert episode"}}))

	cfg := testConfig()
	cfg.HalfLifeDays = 14
	gen := NewGenerator(storage, cfg, arbor.NewLogger())

	first, err := gen.GenerateForPeriod(ctx, "u1", "2026-W40", 7)
	require.NoError(t, err)
	second, err := gen.GenerateForPeriod(ctx, "u1", "2026-W40", 7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "2026-W40", first.PeriodKey)
}

func TestGenerator_NoData(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.SaveVideos(ctx, "u1", twelveVideos()[:2]))

	gen := NewGenerator(storage, testConfig(), arbor.NewLogger())
	_, err := gen.Generate(ctx, "u1", 5)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = gen.Generate(ctx, "nobody", 5)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestGenerator_CountCappedByVideos(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.SaveVideos(ctx, "u1", twelveVideos()[:4]))

	gen := NewGenerator(storage, testConfig(), arbor.NewLogger())
	batch, err := gen.Generate(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Count)

	batch, err = gen.Generate(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, batch.Count)
}

func TestScore_RecencyDecay(t *testing.T) {
	cfg := testConfig()
	cfg.HalfLifeDays = 10

	fresh := &models.Video{Views: 1000, Likes: 100, Comments: 10, PublishedAt: base}
	old := &models.Video{Views: 1000, Likes: 100, Comments: 10, PublishedAt: base.Add(-10 * 24 * time.Hour)}

	assert.InDelta(t, Score(fresh, cfg, base)/2, Score(old, cfg, base), 1e-9)
}

func TestRank_IdeaFields(t *testing.T) {
	videos := []*models.Video{
		{VideoID: "a", Title: "The Perfect Sourdough", Tags: []string{"Bread", "sourdough", "bread", "baking", "yeast"}, Views: 10, PublishedAt: base},
		{VideoID: "b", Title: "How to fold dumplings", Views: 5, PublishedAt: base},
	}
	metrics := map[string]*models.VideoMetrics{"a": {TopComment: "Gluten free please"}}

	ideas := Rank(videos, metrics, testConfig(), base, 2)
	require.Len(t, ideas, 2)

	assert.Equal(t, "a", ideas[0].VideoID)
	assert.Equal(t, []string{"bread", "sourdough", "baking"}, ideas[0].Keywords)
	assert.Equal(t, "Gluten free please", ideas[0].AudiencePrompt)
	assert.Equal(t, "Answering your comments: The Perfect Sourdough", ideas[0].WorkingTitle)

	assert.Equal(t, []string{"fold", "dumplings"}, ideas[1].Keywords)
	assert.Equal(t, "Follow-up: How to fold dumplings", ideas[1].WorkingTitle)
}

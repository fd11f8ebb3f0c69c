package platformsync

import (
	"sort"
	"time"

	"github.com/ternarybob/ideadigest/internal/models"
)

// ComputeMetrics derives per-video figures. topComments maps a video id to
// its most liked comment text.
func ComputeMetrics(userID string, videos []*models.Video, topComments map[string]string, now time.Time) []*models.VideoMetrics {
	metrics := make([]*models.VideoMetrics, 0, len(videos))
	for _, v := range videos {
		m := &models.VideoMetrics{
			UserID:     userID,
			VideoID:    v.VideoID,
			TopComment: topComments[v.VideoID],
			ComputedAt: now,
		}
		if v.Views > 0 {
			views := float64(v.Views)
			m.EngagementRate = float64(v.Likes+v.Comments) / views
			m.LikeRatio = float64(v.Likes) / views
			m.CommentsPer1K = float64(v.Comments) * 1000 / views
		}
		if !v.PublishedAt.IsZero() && now.After(v.PublishedAt) {
			m.AgeDays = now.Sub(v.PublishedAt).Hours() / 24
		}
		metrics = append(metrics, m)
	}
	return metrics
}

// MedianViews returns the median view count, rounding down between the two middle values
func MedianViews(videos []*models.Video) int64 {
	if len(videos) == 0 {
		return 0
	}
	views := make([]int64, len(videos))
	for i, v := range videos {
		views[i] = v.Views
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })

	mid := len(views) / 2
	if len(views)%2 == 1 {
		return views[mid]
	}
	return (views[mid-1] + views[mid]) / 2
}

// sortVideos orders newest first, then by id
func sortVideos(videos []*models.Video) {
	sort.SliceStable(videos, func(i, j int) bool {
		if !videos[i].PublishedAt.Equal(videos[j].PublishedAt) {
			return videos[i].PublishedAt.After(videos[j].PublishedAt)
		}
		return videos[i].VideoID < videos[j].VideoID
	})
}

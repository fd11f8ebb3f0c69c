// Package youtube fetches channel, video and comment data from the YouTube
// Data API v3 for the platform sync worker.
package youtube

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi/transport"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 5

	// maxPageSize is the largest page the API returns for list calls
	maxPageSize = 50
)

var _ interfaces.PlatformFetcher = (*Client)(nil)

// Client is a YouTube Data API client. Users with a linked OAuth token are
// fetched as themselves (mine=true); others by channel id with the API key.
type Client struct {
	apiKey     string
	oauth      *oauth2.Config
	httpClient *http.Client
	endpoint   string
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets the base HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithOAuthClient enables refreshing creator tokens with the given Google OAuth client.
func WithOAuthClient(clientID, clientSecret string) ClientOption {
	return func(c *Client) {
		if clientID == "" {
			return
		}
		c.oauth = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
	}
}

// NewClient creates a new YouTube API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = common.GetLogger()
	}

	return c
}

// NewClientFromConfig builds a client from the [youtube] section.
func NewClientFromConfig(cfg common.YouTubeConfig, logger arbor.ILogger) *Client {
	opts := []ClientOption{
		WithLogger(logger),
		WithRateLimit(cfg.RateLimit),
		WithOAuthClient(cfg.ClientID, cfg.ClientSecret),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Endpoint))
	}
	return NewClient(cfg.APIKey, opts...)
}

func hasToken(user *models.UserProfile) bool {
	return user.AccessToken != "" || user.RefreshToken != ""
}

// service builds an API service authorised for user
func (c *Client) service(ctx context.Context, user *models.UserProfile) (*yt.Service, error) {
	var httpClient *http.Client

	switch {
	case hasToken(user):
		token := &oauth2.Token{
			AccessToken:  user.AccessToken,
			RefreshToken: user.RefreshToken,
			Expiry:       user.TokenExpiry,
		}
		// Token refresh goes through the configured base client
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
		var source oauth2.TokenSource
		if c.oauth != nil {
			source = c.oauth.TokenSource(ctx, token)
		} else {
			source = oauth2.StaticTokenSource(token)
		}
		httpClient = oauth2.NewClient(ctx, source)
		httpClient.Timeout = c.httpClient.Timeout

	case c.apiKey != "" && user.ChannelID != "":
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		httpClient = &http.Client{
			Timeout:   c.httpClient.Timeout,
			Transport: &transport.APIKey{Key: c.apiKey, Transport: base},
		}

	default:
		return nil, models.NewPlatformError(models.ErrorCodeAuthExpired, "auth",
			fmt.Errorf("user %s has no linked token and no channel id", user.UserID))
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, models.NewPlatformError(models.ErrorCodePermanent, "service", err)
	}
	return svc, nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.NewPlatformError(models.ErrorCodeTransient, op, err)
	}
	c.logger.Debug().Str("op", op).Msg("YouTube API request")
	return nil
}

// FetchChannel loads the channel snapshot and its uploads playlist
func (c *Client) FetchChannel(ctx context.Context, user *models.UserProfile) (*models.Channel, error) {
	const op = "channels.list"

	svc, err := c.service(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	call := svc.Channels.List([]string{"snippet", "contentDetails", "statistics"})
	if hasToken(user) {
		call = call.Mine(true)
	} else {
		call = call.Id(user.ChannelID)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, classify(op, err)
	}
	if len(resp.Items) == 0 {
		return nil, models.NewPlatformError(models.ErrorCodePermanent, op, fmt.Errorf("no channel found for user %s", user.UserID))
	}

	item := resp.Items[0]
	channel := &models.Channel{
		UserID:    user.UserID,
		ChannelID: item.Id,
		SyncedAt:  time.Now(),
	}
	if item.Snippet != nil {
		channel.Title = item.Snippet.Title
	}
	if item.ContentDetails != nil && item.ContentDetails.RelatedPlaylists != nil {
		channel.UploadsPlaylistID = item.ContentDetails.RelatedPlaylists.Uploads
	}
	if item.Statistics != nil {
		channel.Subscribers = int64(item.Statistics.SubscriberCount)
		channel.VideoCount = int64(item.Statistics.VideoCount)
		channel.ViewCount = int64(item.Statistics.ViewCount)
	}
	return channel, nil
}

// FetchVideos pages the uploads playlist up to limit videos, newest first,
// and loads their statistics
func (c *Client) FetchVideos(ctx context.Context, user *models.UserProfile, channel *models.Channel, limit int) ([]*models.Video, error) {
	if channel == nil || channel.UploadsPlaylistID == "" {
		return nil, models.NewPlatformError(models.ErrorCodePermanent, "playlistItems.list", fmt.Errorf("channel has no uploads playlist"))
	}
	if limit <= 0 {
		return []*models.Video{}, nil
	}

	svc, err := c.service(ctx, user)
	if err != nil {
		return nil, err
	}

	ids, err := c.uploadIDs(ctx, svc, channel.UploadsPlaylistID, limit)
	if err != nil {
		return nil, err
	}

	videos := make([]*models.Video, 0, len(ids))
	now := time.Now()
	for start := 0; start < len(ids); start += maxPageSize {
		end := start + maxPageSize
		if end > len(ids) {
			end = len(ids)
		}

		const op = "videos.list"
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}
		resp, err := svc.Videos.List([]string{"snippet", "statistics"}).Id(ids[start:end]...).Context(ctx).Do()
		if err != nil {
			return nil, classify(op, err)
		}

		for _, item := range resp.Items {
			videos = append(videos, convertVideo(user.UserID, item, now))
		}
	}

	return videos, nil
}

func (c *Client) uploadIDs(ctx context.Context, svc *yt.Service, playlistID string, limit int) ([]string, error) {
	const op = "playlistItems.list"

	var ids []string
	pageToken := ""
	for len(ids) < limit {
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}

		size := limit - len(ids)
		if size > maxPageSize {
			size = maxPageSize
		}
		call := svc.PlaylistItems.List([]string{"contentDetails"}).PlaylistId(playlistID).MaxResults(int64(size))
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classify(op, err)
		}
		for _, item := range resp.Items {
			if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
				ids = append(ids, item.ContentDetails.VideoId)
			}
		}

		if resp.NextPageToken == "" || len(resp.Items) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}

	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func convertVideo(userID string, item *yt.Video, syncedAt time.Time) *models.Video {
	video := &models.Video{
		UserID:   userID,
		VideoID:  item.Id,
		SyncedAt: syncedAt,
	}
	if item.Snippet != nil {
		video.Title = item.Snippet.Title
		video.Description = item.Snippet.Description
		video.Tags = item.Snippet.Tags
		video.PublishedAt = parseTime(item.Snippet.PublishedAt)
	}
	if item.Statistics != nil {
		video.Views = int64(item.Statistics.ViewCount)
		video.Likes = int64(item.Statistics.LikeCount)
		video.Comments = int64(item.Statistics.CommentCount)
	}
	return video
}

// FetchComments loads up to limit top-level comments ordered by relevance.
// Videos with comments disabled yield an empty slice.
func (c *Client) FetchComments(ctx context.Context, user *models.UserProfile, videoID string, limit int) ([]*models.Comment, error) {
	const op = "commentThreads.list"

	if limit <= 0 {
		return []*models.Comment{}, nil
	}
	if limit > 100 {
		limit = 100
	}

	svc, err := c.service(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	resp, err := svc.CommentThreads.List([]string{"snippet"}).
		VideoId(videoID).
		MaxResults(int64(limit)).
		TextFormat("plainText").
		Order("relevance").
		Context(ctx).
		Do()
	if err != nil {
		if isCommentsDisabled(err) {
			c.logger.Debug().Str("video_id", videoID).Msg("Comments disabled, skipping")
			return []*models.Comment{}, nil
		}
		return nil, classify(op, err)
	}

	comments := make([]*models.Comment, 0, len(resp.Items))
	for _, thread := range resp.Items {
		if thread.Snippet == nil || thread.Snippet.TopLevelComment == nil || thread.Snippet.TopLevelComment.Snippet == nil {
			continue
		}
		top := thread.Snippet.TopLevelComment
		comments = append(comments, &models.Comment{
			UserID:      user.UserID,
			VideoID:     videoID,
			CommentID:   top.Id,
			Author:      top.Snippet.AuthorDisplayName,
			Text:        top.Snippet.TextDisplay,
			Likes:       int64(top.Snippet.LikeCount),
			PublishedAt: parseTime(top.Snippet.PublishedAt),
		})
	}
	return comments, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

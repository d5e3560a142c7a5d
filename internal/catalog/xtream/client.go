package xtream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtreamdl/media_downloader/internal/catalog"
	"github.com/xtreamdl/media_downloader/internal/download"
	"github.com/xtreamdl/media_downloader/internal/logctx"
)

// Client talks to an Xtream-codes provider. Stream URLs are built locally
// from the credentials; player_api.php is only consulted for authentication
// and container-extension lookups.
type Client struct {
	BaseURL   string
	Username  string
	Password  string
	MediaPath string

	httpClient *http.Client
}

func NewClient(baseURL, username, password, mediaPath string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Username:   username,
		Password:   password,
		MediaPath:  mediaPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Authenticate verifies the credentials against player_api.php.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("action", "get_user_info")

	var resp struct {
		UserInfo struct {
			Auth   int    `json:"auth"`
			Status string `json:"status"`
		} `json:"user_info"`
	}

	if err := c.apiGet(ctx, url.Values{"action": {"get_user_info"}}, &resp); err != nil {
		return err
	}

	if resp.UserInfo.Auth != 1 {
		logger.Error("authentication rejected", "account_status", resp.UserInfo.Status)

		return fmt.Errorf("xtream authentication rejected (status: %s)", resp.UserInfo.Status)
	}

	logger.Debug("authenticated", "account_status", resp.UserInfo.Status)

	return nil
}

// Resolve builds the direct media URL for a content reference and suggests a
// destination path under the media root, mirroring the provider's library
// layout (VOD/<title>/, Series/<series>/Season <n>/).
func (c *Client) Resolve(ctx context.Context, ref catalog.Ref) (catalog.Resolved, error) {
	ext := ref.Extension
	if ext == "" {
		ext = c.lookupExtension(ctx, ref)
	}

	sourceURL, err := c.StreamURL(ref.ContentType, ref.StreamID, ext)
	if err != nil {
		return catalog.Resolved{}, err
	}

	return catalog.Resolved{
		SourceURL: sourceURL,
		FilePath:  c.suggestedPath(ref, ext),
	}, nil
}

// StreamURL builds {base}/{movie|series|live}/{user}/{pass}/{id}.{ext}.
func (c *Client) StreamURL(ct download.ContentType, streamID, ext string) (string, error) {
	var segment string

	switch ct {
	case download.ContentVod:
		segment = "movie"
	case download.ContentSeries:
		segment = "series"
	case download.ContentLive:
		segment = "live"
	default:
		return "", fmt.Errorf("unknown content type %q", ct)
	}

	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", c.BaseURL, segment, c.Username, c.Password, streamID, ext), nil
}

func (c *Client) suggestedPath(ref catalog.Ref, ext string) string {
	switch ref.ContentType {
	case download.ContentSeries:
		series := SafeFilename(ref.SeriesName)
		if series == "" {
			series = SafeFilename(ref.Title)
		}

		return filepath.Join(
			c.MediaPath,
			"Series",
			series,
			fmt.Sprintf("Season %d", ref.SeasonNum),
			SafeFilename(ref.Title)+"."+ext,
		)
	case download.ContentLive:
		return filepath.Join(c.MediaPath, "Live", SafeFilename(ref.Title)+"."+ext)
	default:
		title := SafeFilename(ref.Title)

		return filepath.Join(c.MediaPath, "VOD", title, title+"."+ext)
	}
}

// lookupExtension asks the provider for the container extension of a VOD
// stream. Any failure falls back to the per-type default; resolution must
// not depend on the provider's flaky metadata endpoints.
func (c *Client) lookupExtension(ctx context.Context, ref catalog.Ref) string {
	if ref.ContentType == download.ContentVod {
		var resp struct {
			MovieData struct {
				ContainerExtension string `json:"container_extension"`
			} `json:"movie_data"`
		}

		err := c.apiGet(ctx, url.Values{"action": {"get_vod_info"}, "vod_id": {ref.StreamID}}, &resp)
		if err == nil && resp.MovieData.ContainerExtension != "" {
			return resp.MovieData.ContainerExtension
		}

		if err != nil {
			logctx.LoggerFromContext(ctx).Debug("container extension lookup failed", "stream_id", ref.StreamID, "err", err)
		}
	}

	return defaultExtension(ref.ContentType)
}

func defaultExtension(ct download.ContentType) string {
	switch ct {
	case download.ContentSeries:
		return "mkv"
	case download.ContentLive:
		return "ts"
	default:
		return "mp4"
	}
}

func (c *Client) apiGet(ctx context.Context, params url.Values, out any) error {
	params.Set("username", c.Username)
	params.Set("password", c.Password)

	apiURL := fmt.Sprintf("%s/player_api.php?%s", c.BaseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build api request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("player_api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("player_api returned %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode player_api response: %w", err)
	}

	return nil
}

// SafeFilename strips characters that are invalid on common filesystems.
func SafeFilename(name string) string {
	const invalid = `\/:*?"<>|`

	var b strings.Builder

	for _, r := range name {
		if strings.ContainsRune(invalid, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}

	return strings.TrimSpace(b.String())
}

var _ catalog.Resolver = (*Client)(nil)

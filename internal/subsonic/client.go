// Package subsonic implements the catalog client for Subsonic-compatible
// servers (Navidrome, Airsonic, Gonic).
package subsonic

import (
	"context"
	"crypto/md5" //nolint:gosec // the Subsonic auth scheme mandates md5(password+salt)
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"navitone/internal/core"
	"navitone/pkg/fuzzy"
)

const (
	allSongsPageSize = 200
	saltLength       = 8
	saltAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

type Client struct {
	cfg    *core.ServerConfig
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg *core.ServerConfig, logger *zap.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.TLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit operator opt-out for self-signed servers
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

// StreamURL builds the authenticated stream URL for a track. No network call
// is made; the player fetches the stream itself.
func (c *Client) StreamURL(trackID string) (string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/rest/stream.%s",
		strings.TrimRight(c.cfg.URL, "/"), c.cfg.EndpointSuffix))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	q := c.authParams()
	q.Del("f")
	q.Set("id", trackID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) NowPlaying(ctx context.Context, trackID string) error {
	_, err := c.call(ctx, "scrobble", url.Values{
		"id":         {trackID},
		"submission": {"false"},
	})
	return err
}

func (c *Client) Scrobble(ctx context.Context, trackID string) error {
	_, err := c.call(ctx, "scrobble", url.Values{
		"id":         {trackID},
		"submission": {"true"},
	})
	return err
}

func (c *Client) SetRating(ctx context.Context, trackID string, rating int) error {
	_, err := c.call(ctx, "setRating", url.Values{
		"id":     {trackID},
		"rating": {fmt.Sprintf("%d", rating)},
	})
	return err
}

func (c *Client) Star(ctx context.Context, trackID string) error {
	_, err := c.call(ctx, "star", url.Values{"id": {trackID}})
	return err
}

func (c *Client) Unstar(ctx context.Context, trackID string) error {
	_, err := c.call(ctx, "unstar", url.Values{"id": {trackID}})
	return err
}

func (c *Client) RandomSongs(ctx context.Context, size int) ([]core.Track, error) {
	resp, err := c.call(ctx, "getRandomSongs", url.Values{
		"size": {fmt.Sprintf("%d", size)},
	})
	if err != nil {
		return nil, err
	}
	if resp.RandomSongs == nil {
		return nil, nil
	}
	return toTracks(resp.RandomSongs.Song), nil
}

// AllSongs walks the whole library: the album list is paged, then each
// album's songs are fetched. Expensive on large libraries, which is why the
// shuffle cap routes to RandomSongs instead.
func (c *Client) AllSongs(ctx context.Context) ([]core.Track, error) {
	var albumIDs []string
	for offset := 0; ; offset += allSongsPageSize {
		resp, err := c.call(ctx, "getAlbumList2", url.Values{
			"type":   {"alphabeticalByName"},
			"size":   {fmt.Sprintf("%d", allSongsPageSize)},
			"offset": {fmt.Sprintf("%d", offset)},
		})
		if err != nil {
			return nil, err
		}
		if resp.AlbumList2 == nil || len(resp.AlbumList2.Album) == 0 {
			break
		}
		for _, album := range resp.AlbumList2.Album {
			albumIDs = append(albumIDs, album.ID)
		}
	}

	var tracks []core.Track
	for _, id := range albumIDs {
		songs, err := c.AlbumSongs(ctx, id)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, songs...)
	}
	return tracks, nil
}

func (c *Client) StarredSongs(ctx context.Context) ([]core.Track, error) {
	resp, err := c.call(ctx, "getStarred2", nil)
	if err != nil {
		return nil, err
	}
	if resp.Starred2 == nil {
		return nil, nil
	}
	return toTracks(resp.Starred2.Song), nil
}

func (c *Client) FindArtist(ctx context.Context, query string) (*core.Item, error) {
	resp, err := c.call(ctx, "search3", url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}
	if resp.SearchResult3 == nil {
		return nil, nil
	}
	return bestItem(query, resp.SearchResult3.Artist), nil
}

func (c *Client) FindAlbum(ctx context.Context, query string) (*core.Item, error) {
	resp, err := c.call(ctx, "search3", url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}
	if resp.SearchResult3 == nil {
		return nil, nil
	}
	return bestItem(query, resp.SearchResult3.Album), nil
}

func (c *Client) FindPlaylist(ctx context.Context, query string) (*core.Item, error) {
	resp, err := c.call(ctx, "getPlaylists", nil)
	if err != nil {
		return nil, err
	}
	if resp.Playlists == nil {
		return nil, nil
	}
	return bestItem(query, resp.Playlists.Playlist), nil
}

func (c *Client) ArtistAlbumIDs(ctx context.Context, artistID string) ([]string, error) {
	resp, err := c.call(ctx, "getArtist", url.Values{"id": {artistID}})
	if err != nil {
		return nil, err
	}
	if resp.Artist == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(resp.Artist.Album))
	for _, album := range resp.Artist.Album {
		ids = append(ids, album.ID)
	}
	return ids, nil
}

func (c *Client) AlbumSongs(ctx context.Context, albumID string) ([]core.Track, error) {
	resp, err := c.call(ctx, "getAlbum", url.Values{"id": {albumID}})
	if err != nil {
		return nil, err
	}
	if resp.Album == nil {
		return nil, nil
	}
	return toTracks(resp.Album.Song), nil
}

func (c *Client) PlaylistSongs(ctx context.Context, playlistID string) ([]core.Track, error) {
	resp, err := c.call(ctx, "getPlaylist", url.Values{"id": {playlistID}})
	if err != nil {
		return nil, err
	}
	if resp.Playlist == nil {
		return nil, nil
	}
	return toTracks(resp.Playlist.Entry), nil
}

func (c *Client) CreatePlaylistWithSong(ctx context.Context, name, trackID string) error {
	_, err := c.call(ctx, "createPlaylist", url.Values{
		"name":   {name},
		"songId": {trackID},
	})
	return err
}

func (c *Client) AddSongToPlaylist(ctx context.Context, playlistID, trackID string) error {
	_, err := c.call(ctx, "updatePlaylist", url.Values{
		"playlistId":  {playlistID},
		"songIdToAdd": {trackID},
	})
	return err
}

func (c *Client) DeletePlaylist(ctx context.Context, playlistID string) error {
	_, err := c.call(ctx, "deletePlaylist", url.Values{"id": {playlistID}})
	return err
}

// Call forwards a raw API request and returns the full response body. Used by
// the control socket's passthrough action.
func (c *Client) Call(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return c.callRaw(ctx, endpoint, values)
}

func (c *Client) call(ctx context.Context, endpoint string, params url.Values) (*apiResponse, error) {
	raw, err := c.callRaw(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return &env.Response, nil
}

func (c *Client) callRaw(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	q := c.authParams()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	reqURL := fmt.Sprintf("%s/rest/%s.%s?%s",
		strings.TrimRight(c.cfg.URL, "/"), endpoint, c.cfg.EndpointSuffix, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &core.RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.Response.Status != "ok" {
		remote := &core.RemoteError{Status: resp.StatusCode, Message: "unknown error"}
		if env.Response.Error != nil {
			remote.Status = env.Response.Error.Code
			remote.Message = env.Response.Error.Message
		}
		return nil, remote
	}
	return body, nil
}

// authParams produces the per-request token auth: a random salt plus
// md5(password + salt), as required by the Subsonic API.
func (c *Client) authParams() url.Values {
	salt := randomSalt()
	token := fmt.Sprintf("%x", md5.Sum([]byte(c.cfg.Password+salt))) //nolint:gosec // protocol requirement

	v := url.Values{}
	v.Set("u", c.cfg.Username)
	v.Set("t", token)
	v.Set("s", salt)
	v.Set("v", c.cfg.APIVersion)
	v.Set("c", c.cfg.ClientName)
	v.Set("f", "json")
	return v
}

func randomSalt() string {
	b := make([]byte, saltLength)
	for i := range b {
		b[i] = saltAlphabet[rand.Intn(len(saltAlphabet))] //nolint:gosec // salt is public, not a secret
	}
	return string(b)
}

func bestItem(query string, items []item) *core.Item {
	if len(items) == 0 {
		return nil
	}
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.displayName()
	}
	idx, ok := fuzzy.BestMatch(query, names)
	if !ok {
		return nil
	}
	return &core.Item{ID: items[idx].ID, Name: names[idx]}
}

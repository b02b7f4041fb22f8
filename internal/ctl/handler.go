package ctl

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"navitone/internal/core"
)

// Handler executes control actions against the queue state, the player and
// the catalog. Queue effects serialize through the state's own mutex, so the
// handler itself is safe for concurrent use.
type Handler struct {
	cfg     *core.Config
	state   *core.State
	player  core.PlayerLink
	catalog core.CatalogClient
	metrics core.Metrics
	logger  *zap.Logger
}

func NewHandler(cfg *core.Config, state *core.State, player core.PlayerLink, catalog core.CatalogClient, metrics core.Metrics, logger *zap.Logger) *Handler {
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	return &Handler{
		cfg:     cfg,
		state:   state,
		player:  player,
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
	}
}

// Handle runs one request and always returns a well-formed response.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	resp := h.dispatch(ctx, req)
	status := "ok"
	if !resp.Ok {
		status = "error"
	}
	h.metrics.RecordControlRequest(req.Action, status)
	if !resp.Ok {
		h.logger.Debug("control request failed",
			zap.String("action", req.Action),
			zap.String("message", resp.Message))
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case "shuffle":
		return h.shuffle(ctx, core.ScopeLibrary, "")
	case "shuffleliked":
		return h.shuffle(ctx, core.ScopeLiked, "")
	case "shuffleartist":
		return h.shuffleNamed(ctx, core.ScopeArtist, req)
	case "shufflealbum":
		return h.shuffleNamed(ctx, core.ScopeAlbum, req)
	case "shuffleplaylist":
		return h.shuffleNamed(ctx, core.ScopePlaylist, req)
	case "playalbum":
		return h.playAlbum(ctx, req)
	case "play":
		return h.result(h.state.Resume(ctx))
	case "pause":
		return h.result(h.state.Pause(ctx))
	case "fastforward":
		return h.result(h.state.Skip(ctx))
	case "rewind":
		return h.result(h.state.Previous(ctx))
	case "startover":
		return h.result(h.state.StartOver(ctx))
	case "likesong":
		return h.withCurrentTrack(func(t *core.Track) error {
			return h.catalog.Star(ctx, t.ID)
		})
	case "unlikesong":
		return h.withCurrentTrack(func(t *core.Track) error {
			return h.catalog.Unstar(ctx, t.ID)
		})
	case "rate":
		return h.rate(ctx, req)
	case "volumeup":
		return h.volume(ctx, h.cfg.App.VolumeStep)
	case "volumedown":
		return h.volume(ctx, -h.cfg.App.VolumeStep)
	case "addsongtoplaylist":
		return h.addSongToPlaylist(ctx, req)
	case "deleteplaylist":
		return h.deletePlaylist(ctx, req)
	case "status":
		return h.status()
	case "api":
		return h.apiCall(ctx, req)
	default:
		return failResponse("unknown_action")
	}
}

func (h *Handler) shuffle(ctx context.Context, scope core.ShuffleScope, name string) Response {
	n, err := h.state.Shuffle(ctx, scope, name)
	if err != nil {
		return h.result(err)
	}
	resp := okResponse()
	resp.Data = map[string]any{"queued": n}
	return resp
}

func (h *Handler) shuffleNamed(ctx context.Context, scope core.ShuffleScope, req Request) Response {
	name := req.Args["name"]
	if name == "" {
		return failResponse("bad_request")
	}
	return h.shuffle(ctx, scope, name)
}

func (h *Handler) playAlbum(ctx context.Context, req Request) Response {
	name := req.Args["name"]
	if name == "" {
		return failResponse("bad_request")
	}
	album, n, err := h.state.PlayAlbum(ctx, name)
	if err != nil {
		return h.result(err)
	}
	resp := okResponse()
	resp.Data = map[string]any{"album": album, "queued": n}
	return resp
}

// rate validates its argument before touching the catalog so a bad rating
// never reaches the remote server.
func (h *Handler) rate(ctx context.Context, req Request) Response {
	rating, err := strconv.Atoi(req.Args["rating"])
	if err != nil || rating < 1 || rating > 5 {
		return failResponse("bad_request")
	}
	return h.withCurrentTrack(func(t *core.Track) error {
		return h.catalog.SetRating(ctx, t.ID, rating)
	})
}

func (h *Handler) volume(ctx context.Context, delta int) Response {
	level, err := h.player.AdjustVolume(ctx, delta)
	if err != nil {
		return h.result(err)
	}
	resp := okResponse()
	resp.Data = map[string]any{"volume": level}
	return resp
}

func (h *Handler) addSongToPlaylist(ctx context.Context, req Request) Response {
	name := req.Args["name"]
	if name == "" {
		return failResponse("bad_request")
	}
	return h.withCurrentTrack(func(t *core.Track) error {
		pl, err := h.catalog.FindPlaylist(ctx, name)
		if err != nil {
			return err
		}
		if pl == nil {
			return h.catalog.CreatePlaylistWithSong(ctx, name, t.ID)
		}
		return h.catalog.AddSongToPlaylist(ctx, pl.ID, t.ID)
	})
}

func (h *Handler) deletePlaylist(ctx context.Context, req Request) Response {
	name := req.Args["name"]
	if name == "" {
		return failResponse("bad_request")
	}
	pl, err := h.catalog.FindPlaylist(ctx, name)
	if err != nil {
		return h.result(err)
	}
	if pl == nil {
		return failResponse("playlist_not_found")
	}
	return h.result(h.catalog.DeletePlaylist(ctx, pl.ID))
}

func (h *Handler) status() Response {
	st := h.state.Status()
	data := map[string]any{
		"state":     st.State.String(),
		"position":  st.Position,
		"queue_len": st.QueueLen,
		"index":     st.Index,
		"shuffled":  st.Shuffled,
	}
	if st.Track != nil {
		data["track"] = map[string]any{
			"id":     st.Track.ID,
			"title":  st.Track.Title,
			"artist": st.Track.Artist,
			"album":  st.Track.Album,
		}
	}
	resp := okResponse()
	resp.Data = data
	return resp
}

// apiCall forwards an arbitrary endpoint to the catalog without touching
// playback state. Every arg except "endpoint" becomes a query parameter.
func (h *Handler) apiCall(ctx context.Context, req Request) Response {
	endpoint := req.Args["endpoint"]
	if endpoint == "" {
		return failResponse("bad_request")
	}
	params := make(map[string]string, len(req.Args))
	for k, v := range req.Args {
		if k == "endpoint" {
			continue
		}
		params[k] = v
	}
	raw, err := h.catalog.Call(ctx, endpoint, params)
	if err != nil {
		return h.result(err)
	}
	resp := okResponse()
	resp.Data = map[string]any{"result": raw}
	return resp
}

func (h *Handler) withCurrentTrack(f func(*core.Track) error) Response {
	track, ok := h.state.CurrentTrack()
	if !ok {
		return failResponse("no_current_track")
	}
	return h.result(f(track))
}

func (h *Handler) result(err error) Response {
	if err == nil {
		return okResponse()
	}
	return failResponse(errorMessage(err))
}

func errorMessage(err error) string {
	var remote *core.RemoteError
	switch {
	case errors.Is(err, core.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, core.ErrQueueEmpty):
		return "queue_empty"
	case errors.Is(err, core.ErrStartOfQueue):
		return "start_of_queue"
	case errors.Is(err, core.ErrNoCurrentTrack):
		return "no_current_track"
	case errors.Is(err, core.ErrNoTracks):
		return "no_tracks"
	case errors.Is(err, core.ErrPlayerUnreachable):
		return "player_unreachable"
	case errors.Is(err, core.ErrPlayerRejected):
		return "player_rejected"
	case errors.As(err, &remote):
		return remote.Error()
	default:
		return err.Error()
	}
}

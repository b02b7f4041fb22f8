package subsonic

import (
	"encoding/json"
	"time"

	"navitone/internal/core"
)

type envelope struct {
	Response apiResponse `json:"subsonic-response"`
}

type apiResponse struct {
	Status        string          `json:"status"`
	Error         *apiError       `json:"error"`
	RandomSongs   *songContainer  `json:"randomSongs"`
	Starred2      *songContainer  `json:"starred2"`
	AlbumList2    *albumList      `json:"albumList2"`
	Album         *albumDetail    `json:"album"`
	Artist        *artistDetail   `json:"artist"`
	SearchResult3 *searchResult   `json:"searchResult3"`
	Playlists     *playlistIndex  `json:"playlists"`
	Playlist      *playlistDetail `json:"playlist"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type songContainer struct {
	Song songList `json:"song"`
}

type albumList struct {
	Album itemList `json:"album"`
}

type albumDetail struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Song songList `json:"song"`
}

type artistDetail struct {
	Album itemList `json:"album"`
}

type searchResult struct {
	Artist itemList `json:"artist"`
	Album  itemList `json:"album"`
}

type playlistIndex struct {
	Playlist itemList `json:"playlist"`
}

type playlistDetail struct {
	Entry songList `json:"entry"`
}

type song struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Duration   int    `json:"duration"`
	Track      int    `json:"track"`
	DiscNumber int    `json:"discNumber"`
}

type item struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (it item) displayName() string {
	if it.Name != "" {
		return it.Name
	}
	return it.Title
}

// songList tolerates the API emitting a bare object instead of a
// one-element array.
type songList []song

func (l *songList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var songs []song
		if err := json.Unmarshal(data, &songs); err != nil {
			return err
		}
		*l = songs
		return nil
	}
	var s song
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = songList{s}
	return nil
}

// itemList mirrors songList for named entities.
type itemList []item

func (l *itemList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var items []item
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var it item
	if err := json.Unmarshal(data, &it); err != nil {
		return err
	}
	*l = itemList{it}
	return nil
}

func toTracks(songs songList) []core.Track {
	tracks := make([]core.Track, 0, len(songs))
	for _, s := range songs {
		tracks = append(tracks, core.Track{
			ID:       s.ID,
			Title:    orUnknown(s.Title, "Unknown Title"),
			Artist:   orUnknown(s.Artist, "Unknown Artist"),
			Album:    orUnknown(s.Album, "Unknown Album"),
			Duration: time.Duration(s.Duration) * time.Second,
			TrackNo:  s.Track,
			Disc:     s.DiscNumber,
		})
	}
	return tracks
}

func orUnknown(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

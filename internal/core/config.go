package core

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server ServerConfig
	Player PlayerConfig
	Socket SocketConfig
	HTTP   HTTPConfig
	Log    LogConfig
	App    AppConfig
}

// ServerConfig holds the Subsonic/Navidrome connection settings.
type ServerConfig struct {
	URL            string
	Username       string
	Password       string
	APIVersion     string
	ClientName     string
	EndpointSuffix string
	TLSVerify      bool
	Timeout        time.Duration
}

type PlayerConfig struct {
	Backend      string // "mpv" or "mpd"
	MPVBin       string
	MPVSocket    string
	MPDAddress   string
	MPDPassword  string
	PollInterval time.Duration
}

type SocketConfig struct {
	Path           string
	RequestTimeout time.Duration
}

type HTTPConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type AppConfig struct {
	MaxShuffle       int // 0 = whole library
	VolumeStep       int
	EndGrace         time.Duration // implicit end-of-track fallback delay
	NowPlayingLimit  int           // now-playing submissions per track per window
	NowPlayingWindow time.Duration
	SubmitLogSize    int
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			APIVersion:     "1.16.1",
			ClientName:     "navitone",
			EndpointSuffix: "view",
			TLSVerify:      true,
			Timeout:        20 * time.Second,
		},
		Player: PlayerConfig{
			Backend:      "mpv",
			MPVBin:       "mpv",
			MPVSocket:    RuntimePath("navitone-mpv.sock"),
			MPDAddress:   "localhost:6600",
			PollInterval: 500 * time.Millisecond,
		},
		Socket: SocketConfig{
			Path:           RuntimePath("navitone.sock"),
			RequestTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         9537,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		App: AppConfig{
			MaxShuffle:       0,
			VolumeStep:       5,
			EndGrace:         500 * time.Millisecond,
			NowPlayingLimit:  3,
			NowPlayingWindow: time.Minute,
			SubmitLogSize:    4096,
		},
	}
}

// RuntimePath returns a per-user runtime location for sockets, preferring
// XDG_RUNTIME_DIR and falling back to the user config directory.
func RuntimePath(name string) string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			base = dir
		} else {
			base = os.TempDir()
		}
	}
	return filepath.Join(base, "navitone", name)
}

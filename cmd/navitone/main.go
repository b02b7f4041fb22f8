// Package main provides the navitone CLI: one binary that runs the playback
// daemon (--daemon) and doubles as the control client for every action flag.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"navitone/internal/core"
	"navitone/internal/ctl"
	httpserver "navitone/internal/http"
	"navitone/internal/player"
	"navitone/internal/store"
	"navitone/internal/subsonic"
	"navitone/internal/throttle"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "navitone",
	Short: "Headless Subsonic/Navidrome playback daemon and control client",
	Long: `Navitone plays music from a Subsonic-compatible server through mpv or MPD.
Run it once with --daemon, then control it from any shell with action flags
(--shuffle, --pause, --status, ...) over the daemon's unix socket.`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := core.DefaultConfig()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/navitone/config.yaml)")
	rootCmd.PersistentFlags().String("server-url", "", "Subsonic/Navidrome base URL")
	rootCmd.PersistentFlags().String("server-username", "", "remote server username")
	rootCmd.PersistentFlags().String("server-password", "", "remote server password")
	rootCmd.PersistentFlags().String("api-version", defaults.Server.APIVersion, "Subsonic API version to announce")
	rootCmd.PersistentFlags().String("endpoint-suffix", defaults.Server.EndpointSuffix, "REST endpoint suffix (view or empty)")
	rootCmd.PersistentFlags().Bool("tls-verify", defaults.Server.TLSVerify, "verify the remote TLS certificate")
	rootCmd.PersistentFlags().String("player-backend", defaults.Player.Backend, "player backend (mpv, mpd)")
	rootCmd.PersistentFlags().String("mpv-bin", defaults.Player.MPVBin, "mpv binary to spawn")
	rootCmd.PersistentFlags().String("mpv-socket", defaults.Player.MPVSocket, "mpv ipc socket path")
	rootCmd.PersistentFlags().String("mpd-address", defaults.Player.MPDAddress, "mpd address (host:port)")
	rootCmd.PersistentFlags().String("mpd-password", "", "mpd password")
	rootCmd.PersistentFlags().Duration("poll-interval", defaults.Player.PollInterval, "player event poll interval")
	rootCmd.PersistentFlags().String("socket-path", defaults.Socket.Path, "control socket path")
	rootCmd.PersistentFlags().Duration("request-timeout", defaults.Socket.RequestTimeout, "control request timeout")
	rootCmd.PersistentFlags().Bool("http-enabled", defaults.HTTP.Enabled, "serve metrics and health probes")
	rootCmd.PersistentFlags().String("http-host", defaults.HTTP.Host, "metrics server host")
	rootCmd.PersistentFlags().Int("http-port", defaults.HTTP.Port, "metrics server port")
	rootCmd.PersistentFlags().String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (rotated; empty logs to stderr)")
	rootCmd.PersistentFlags().Int("max-shuffle", defaults.App.MaxShuffle, "shuffle queue cap (0 = whole source)")
	rootCmd.PersistentFlags().Int("volume-step", defaults.App.VolumeStep, "volume change per step in percent")
	rootCmd.PersistentFlags().Duration("end-grace", defaults.App.EndGrace, "implicit end-of-track grace period")

	rootCmd.Flags().Bool("daemon", false, "run the playback daemon")
	rootCmd.Flags().Bool("shuffle", false, "shuffle the whole library")
	rootCmd.Flags().Bool("shuffle-liked", false, "shuffle starred songs")
	rootCmd.Flags().String("shuffle-artist", "", "shuffle an artist's songs")
	rootCmd.Flags().String("shuffle-album", "", "shuffle an album's songs")
	rootCmd.Flags().String("shuffle-playlist", "", "shuffle a playlist")
	rootCmd.Flags().String("play-album", "", "play an album in track order")
	rootCmd.Flags().Bool("play", false, "resume playback")
	rootCmd.Flags().Bool("pause", false, "pause playback")
	rootCmd.Flags().Bool("fast-forward", false, "skip to the next track")
	rootCmd.Flags().Bool("rewind", false, "go back to the previous track")
	rootCmd.Flags().Bool("start-over", false, "restart the current track")
	rootCmd.Flags().Bool("like-song", false, "star the current track")
	rootCmd.Flags().Bool("unlike-song", false, "unstar the current track")
	rootCmd.Flags().Int("rate", 0, "rate the current track (1-5)")
	rootCmd.Flags().Bool("volume-up", false, "raise the volume one step")
	rootCmd.Flags().Bool("volume-down", false, "lower the volume one step")
	rootCmd.Flags().String("add-song-to-playlist", "", "add the current track to a playlist (created if missing)")
	rootCmd.Flags().String("delete-playlist", "", "delete a playlist")
	rootCmd.Flags().Bool("status", false, "print daemon status")
	rootCmd.Flags().String("api", "", "call a raw Subsonic endpoint through the daemon")
	rootCmd.Flags().StringArray("param", nil, "key=value parameter for --api (repeatable)")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(dir + "/navitone")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("NAVITONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(&config.Log)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Server.URL = strings.TrimRight(viper.GetString("server-url"), "/")
	cfg.Server.Username = viper.GetString("server-username")
	cfg.Server.Password = viper.GetString("server-password")
	cfg.Server.APIVersion = viper.GetString("api-version")
	cfg.Server.EndpointSuffix = viper.GetString("endpoint-suffix")
	cfg.Server.TLSVerify = viper.GetBool("tls-verify")

	cfg.Player.Backend = viper.GetString("player-backend")
	cfg.Player.MPVBin = viper.GetString("mpv-bin")
	cfg.Player.MPVSocket = viper.GetString("mpv-socket")
	cfg.Player.MPDAddress = viper.GetString("mpd-address")
	cfg.Player.MPDPassword = viper.GetString("mpd-password")
	cfg.Player.PollInterval = viper.GetDuration("poll-interval")

	cfg.Socket.Path = viper.GetString("socket-path")
	cfg.Socket.RequestTimeout = viper.GetDuration("request-timeout")

	cfg.HTTP.Enabled = viper.GetBool("http-enabled")
	cfg.HTTP.Host = viper.GetString("http-host")
	cfg.HTTP.Port = viper.GetInt("http-port")

	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.File = viper.GetString("log-file")

	cfg.App.MaxShuffle = viper.GetInt("max-shuffle")
	cfg.App.VolumeStep = viper.GetInt("volume-step")
	cfg.App.EndGrace = viper.GetDuration("end-grace")

	return cfg
}

func buildLogger(cfg *core.LogConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	if cfg.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zapLevel)
		return zap.New(fileCore)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	builtLogger, err := zcfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}
	return builtLogger
}

func run(cmd *cobra.Command, _ []string) error {
	if daemon, _ := cmd.Flags().GetBool("daemon"); daemon {
		return runDaemon()
	}
	return runClient(cmd)
}

func validateConfig() error {
	if config.Server.URL == "" {
		return fmt.Errorf("server URL is required (--server-url or NAVITONE_SERVER_URL)")
	}
	if config.Server.Username == "" {
		return fmt.Errorf("server username is required")
	}
	if config.Server.Password == "" {
		return fmt.Errorf("server password is required")
	}
	return nil
}

func runDaemon() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info("Starting navitone",
		zap.String("server", config.Server.URL),
		zap.String("backend", config.Player.Backend),
		zap.String("socket", config.Socket.Path))

	catalog := subsonic.NewClient(&config.Server, logger.Named("subsonic"))

	link, err := player.New(&config.Player, logger.Named("player"))
	if err != nil {
		return fmt.Errorf("failed to start player backend: %w", err)
	}
	defer link.Close()

	metrics := httpserver.NewMetrics()
	metricsServer := httpserver.NewServer(&config.HTTP, metrics, logger.Named("http"))

	submits, err := store.NewSubmitLog(config.App.SubmitLogSize, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to create submit log: %w", err)
	}
	gate := throttle.NewGate(config.App.NowPlayingLimit, config.App.NowPlayingWindow)
	defer gate.Stop()

	state := core.NewState(config, link, catalog, metrics, logger.Named("state"))
	watcher := core.NewWatcher(config, state, link, catalog, submits, gate, metrics, logger.Named("watcher"))

	handler := ctl.NewHandler(config, state, link, catalog, metrics, logger.Named("ctl"))
	ctlServer := ctl.NewServer(&config.Socket, handler, logger.Named("ctl"))
	if err := ctlServer.Listen(); err != nil {
		return fmt.Errorf("failed to bind control socket: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return metricsServer.Run(gCtx) })
	g.Go(func() error { return ctlServer.Run(gCtx) })
	g.Go(func() error { return watcher.Run(gCtx) })

	metricsServer.SetReady(true)
	logger.Info("navitone started successfully")

	if err := g.Wait(); err != nil {
		logger.Error("navitone stopped with error", zap.Error(err))
		return err
	}
	logger.Info("navitone stopped gracefully")
	return nil
}

// clientAction maps the selected action flag to a control request. fromValue
// flags carry their string value as the "name" argument.
type clientAction struct {
	flag      string
	action    string
	valueArg  string
	valueBool bool
}

var clientActions = []clientAction{
	{flag: "shuffle", action: "shuffle", valueBool: true},
	{flag: "shuffle-liked", action: "shuffleliked", valueBool: true},
	{flag: "shuffle-artist", action: "shuffleartist", valueArg: "name"},
	{flag: "shuffle-album", action: "shufflealbum", valueArg: "name"},
	{flag: "shuffle-playlist", action: "shuffleplaylist", valueArg: "name"},
	{flag: "play-album", action: "playalbum", valueArg: "name"},
	{flag: "play", action: "play", valueBool: true},
	{flag: "pause", action: "pause", valueBool: true},
	{flag: "fast-forward", action: "fastforward", valueBool: true},
	{flag: "rewind", action: "rewind", valueBool: true},
	{flag: "start-over", action: "startover", valueBool: true},
	{flag: "like-song", action: "likesong", valueBool: true},
	{flag: "unlike-song", action: "unlikesong", valueBool: true},
	{flag: "volume-up", action: "volumeup", valueBool: true},
	{flag: "volume-down", action: "volumedown", valueBool: true},
	{flag: "add-song-to-playlist", action: "addsongtoplaylist", valueArg: "name"},
	{flag: "delete-playlist", action: "deleteplaylist", valueArg: "name"},
	{flag: "status", action: "status", valueBool: true},
}

func runClient(cmd *cobra.Command) error {
	var requests []ctl.Request

	for _, a := range clientActions {
		if a.valueBool {
			if set, _ := cmd.Flags().GetBool(a.flag); set {
				requests = append(requests, ctl.Request{Action: a.action})
			}
			continue
		}
		if v, _ := cmd.Flags().GetString(a.flag); v != "" {
			requests = append(requests, ctl.Request{
				Action: a.action,
				Args:   map[string]string{a.valueArg: v},
			})
		}
	}
	if rating, _ := cmd.Flags().GetInt("rate"); rating != 0 {
		requests = append(requests, ctl.Request{
			Action: "rate",
			Args:   map[string]string{"rating": fmt.Sprintf("%d", rating)},
		})
	}
	if endpoint, _ := cmd.Flags().GetString("api"); endpoint != "" {
		args := map[string]string{"endpoint": endpoint}
		params, _ := cmd.Flags().GetStringArray("param")
		for _, p := range params {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, expected key=value", p)
			}
			args[k] = v
		}
		requests = append(requests, ctl.Request{Action: "api", Args: args})
	}

	if len(requests) == 0 {
		return cmd.Help()
	}
	if len(requests) > 1 {
		return fmt.Errorf("exactly one action per invocation, got %d", len(requests))
	}

	resp, err := ctl.Send(config.Socket.Path, requests[0], config.Socket.RequestTimeout)
	if err != nil {
		return err
	}
	if len(resp.Data) > 0 {
		out, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	if !resp.Ok {
		return fmt.Errorf("daemon refused %s: %s", requests[0].Action, resp.Message)
	}
	return nil
}

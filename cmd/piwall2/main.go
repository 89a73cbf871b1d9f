package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/piwall2/piwall2/internal/animator"
	"github.com/piwall2/piwall2/internal/broadcaster"
	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/loadingscreen"
	"github.com/piwall2/piwall2/internal/logging"
	"github.com/piwall2/piwall2/internal/multicast"
	"github.com/piwall2/piwall2/internal/playlist"
	"github.com/piwall2/piwall2/internal/receiver"
	"github.com/piwall2/piwall2/internal/remote"
	"github.com/piwall2/piwall2/internal/store"
	"github.com/piwall2/piwall2/internal/volume"
	"github.com/piwall2/piwall2/internal/wall"
)

var (
	version = "0.1.0"

	cfgFile  string
	assetDir string

	broadcastURL        string
	broadcastLogUUID    string
	noShowLoadingScreen bool
	ytDLPExtractors     string
	multicastInterface  string

	receiveHostname string

	playCommand string
	playLogUUID string

	sendLogUUID    string
	sendMagicBytes string

	lircSocket string
)

var rootCmd = &cobra.Command{
	Use:   "piwall2",
	Short: "Multicast video wall",
	Long:  `piwall2 - synchronized video playback across a wall of TVs over UDP multicast`,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run the broadcaster's playlist scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		runQueue()
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Broadcast one video to the wall",
	Run: func(cmd *cobra.Command, args []string) {
		runBroadcast()
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run the receiver on a wall host",
	Run: func(cmd *cobra.Command, args []string) {
		runReceive()
	},
}

// receive-and-play-video and msend-video are internal self invocations: the
// receiver and the broadcast pipeline spawn them as subprocesses.
var receiveAndPlayVideoCmd = &cobra.Command{
	Use:    "receive-and-play-video",
	Short:  "Ingest the multicast video stream into a player pipeline",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		runReceiveAndPlayVideo()
	},
}

var msendVideoCmd = &cobra.Command{
	Use:    "msend-video",
	Short:  "Send an MPEG-TS stream from stdin to the multicast video port",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		runMsendVideo()
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Run: func(cmd *cobra.Command, args []string) {
		runDBMigrate()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("piwall2 v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/piwall2/config.toml)")
	rootCmd.PersistentFlags().StringVar(&assetDir, "asset-dir", "/opt/piwall2/assets", "directory holding bundled video assets")

	broadcastCmd.Flags().StringVar(&broadcastURL, "url", "", "video URL or local file path to broadcast")
	broadcastCmd.Flags().StringVar(&broadcastLogUUID, "log-uuid", "", "log uuid to join this broadcast's lines across machines")
	broadcastCmd.Flags().BoolVar(&noShowLoadingScreen, "no-show-loading-screen", false, "skip sending the loading screen signal")
	broadcastCmd.Flags().StringVar(&ytDLPExtractors, "extractors", "", "yt-dlp extractor whitelist")
	broadcastCmd.Flags().StringVar(&multicastInterface, "interface", "eth0", "network interface to pin the multicast route to")
	broadcastCmd.MarkFlagRequired("url")

	queueCmd.Flags().StringVar(&lircSocket, "lirc-socket", remote.DefaultSocketPath, "lircd socket path for infrared remote input")

	receiveCmd.Flags().StringVar(&receiveHostname, "hostname", "", "receiver hostname as it appears in the config (default <hostname>.local)")

	receiveAndPlayVideoCmd.Flags().StringVar(&playCommand, "command", "", "player pipeline to spawn")
	receiveAndPlayVideoCmd.Flags().StringVar(&playLogUUID, "log-uuid", "", "log uuid of the broadcast")
	receiveAndPlayVideoCmd.MarkFlagRequired("command")

	msendVideoCmd.Flags().StringVar(&sendLogUUID, "log-uuid", "", "log uuid of the broadcast")
	msendVideoCmd.Flags().StringVar(&sendMagicBytes, "end-of-video-magic-bytes", broadcaster.EndOfVideoMagicBytes, "end of video sentinel")

	dbCmd.AddCommand(dbMigrateCmd)

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(receiveAndPlayVideoCmd)
	rootCmd.AddCommand(msendVideoCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads config.toml and initializes logging from it. The internal
// self-invocation subcommands tolerate a missing config and fall back to
// defaults so they stay usable in ad hoc debugging.
func loadConfig(required bool) *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if required {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	return cfg
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func runQueue() {
	cfg := loadConfig(true)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer db.Close()

	w, err := wall.New(cfg)
	if err != nil {
		fatal(err)
	}

	pub, err := control.NewBroadcaster(multicast.DefaultGroup)
	if err != nil {
		fatal(err)
	}
	defer pub.Close()

	probe := loadingscreen.FFProber{}
	cacheDir := filepath.Dir(cfg.DBPath)
	loading, err := loadingscreen.New(cfg, assetDir, filepath.Join(cacheDir, "loading_screens.json"), probe)
	if err != nil {
		fatal(err)
	}
	savers, err := loadingscreen.LoadScreensavers(cfg, assetDir, probe)
	if err != nil {
		fatal(err)
	}

	pl := store.NewPlaylist(db)
	mixer := volume.NewMixer()
	anim := animator.New(store.NewSettings(db), w, pub)
	rem := remote.New(lircSocket, cfg, pl, mixer, anim)
	defer rem.Close()

	q, err := playlist.New(cfg, pl, pub, anim, rem, loading, savers, mixer)
	if err != nil {
		fatal(err)
	}
	if err := q.Run(); err != nil {
		fatal(err)
	}
}

func runBroadcast() {
	cfg := loadConfig(true)

	pub, err := control.NewBroadcaster(multicast.DefaultGroup)
	if err != nil {
		fatal(err)
	}
	defer pub.Close()

	cacheDir := filepath.Dir(cfg.DBPath)
	loading, err := loadingscreen.New(cfg, assetDir, filepath.Join(cacheDir, "loading_screens.json"), loadingscreen.FFProber{})
	if err != nil {
		fatal(err)
	}

	b := broadcaster.New(cfg, pub, loading, broadcaster.Options{
		VideoURL:          broadcastURL,
		LogUUID:           broadcastLogUUID,
		ShowLoadingScreen: !noShowLoadingScreen,
		YtDLPExtractors:   ytDLPExtractors,
		Interface:         multicastInterface,
	})
	if err := b.Broadcast(); err != nil {
		fatal(err)
	}
}

func runReceive() {
	cfg := loadConfig(true)

	hostname := receiveHostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			fatal(err)
		}
		hostname = h + ".local"
	}

	r, err := receiver.New(cfg, hostname, assetDir)
	if err != nil {
		fatal(err)
	}
	if err := r.Run(); err != nil {
		fatal(err)
	}
}

func runReceiveAndPlayVideo() {
	loadConfig(false)
	logging.SetUUID(playLogUUID)

	if err := receiver.ReceiveAndPlayVideo(playCommand, broadcaster.EndOfVideoMagicBytes); err != nil {
		fatal(err)
	}
}

func runMsendVideo() {
	loadConfig(false)
	logging.SetUUID(sendLogUUID)

	if err := broadcaster.SendVideoStream(os.Stdin, sendMagicBytes); err != nil {
		fatal(err)
	}
}

func runDBMigrate() {
	cfg := loadConfig(true)

	// Open applies pending migrations.
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	db.Close()
	fmt.Println("database schema is up to date")
}

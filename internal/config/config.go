// Package config loads the wall configuration from config.toml. The
// receivers table declares where each TV sits on the wall; everything else
// (wall dimensions, row/column buckets, crop planning) is derived from it by
// the wall package.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ReceiverConfig is one receiver host's stanza. The *2 fields are only set
// for dual video output receivers (two TVs on one HDMI+HDMI host).
type ReceiverConfig struct {
	X      int    `mapstructure:"x"`
	Y      int    `mapstructure:"y"`
	Width  int    `mapstructure:"width"`
	Height int    `mapstructure:"height"`
	Audio  string `mapstructure:"audio"`
	Video  string `mapstructure:"video"`

	Orientation int `mapstructure:"orientation"`

	X2           int    `mapstructure:"x2"`
	Y2           int    `mapstructure:"y2"`
	Width2       int    `mapstructure:"width2"`
	Height2      int    `mapstructure:"height2"`
	Audio2       string `mapstructure:"audio2"`
	Video2       string `mapstructure:"video2"`
	Orientation2 int    `mapstructure:"orientation2"`
}

// IsDualVideoOutput reports whether this receiver drives two TVs.
func (r ReceiverConfig) IsDualVideoOutput() bool {
	return r.Width2 != 0 || r.Height2 != 0 || r.Audio2 != "" || r.Video2 != ""
}

// LoadingScreenConfig is one entry of the loading_screens list.
type LoadingScreenConfig struct {
	VideoFile string `mapstructure:"video_file"`
}

// VideoFileConfig is one entry of the screensavers or channel_videos lists.
type VideoFileConfig struct {
	VideoPath string `mapstructure:"video_path"`
}

type Config struct {
	Receivers map[string]ReceiverConfig `mapstructure:"receivers"`

	// Row/column bucket counts for the animator's sweep patterns.
	Rows    int `mapstructure:"rows"`
	Columns int `mapstructure:"columns"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	DBPath string `mapstructure:"db_path"`

	LoadingScreens []LoadingScreenConfig `mapstructure:"loading_screens"`
	ChannelVideos  []VideoFileConfig     `mapstructure:"channel_videos"`
	Screensavers   []VideoFileConfig     `mapstructure:"screensavers"`

	UseChannelVideosAsScreensavers bool `mapstructure:"use_channel_videos_as_screensavers"`
	UseScreensavers                bool `mapstructure:"use_screensavers"`
}

func Default() *Config {
	return &Config{
		Rows:            1,
		Columns:         1,
		LogLevel:        "info",
		LogFormat:       "text",
		DBPath:          filepath.Join(dataDir(), "piwall2.db"),
		UseScreensavers: true,
	}
}

// Load reads config.toml. Pass "" to search the default locations.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	// Receiver hostnames contain dots ("piwall1.local"); use a delimiter
	// that cannot appear in a hostname so viper does not split the keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(dataDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PIWALL2")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsAnyReceiverDualVideoOutput reports whether any receiver on the wall
// drives two TVs. Dual output caps playback at 720p per output.
func (c *Config) IsAnyReceiverDualVideoOutput() bool {
	for _, r := range c.Receivers {
		if r.IsDualVideoOutput() {
			return true
		}
	}
	return false
}

func dataDir() string {
	if dir := os.Getenv("PIWALL2_DATA_DIR"); dir != "" {
		return dir
	}
	return "/etc/piwall2"
}

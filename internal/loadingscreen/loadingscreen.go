// Package loadingscreen chooses the short clips receivers show while a
// broadcast is being prepared, and the screensaver clips the queue falls
// back to when idle. Clip dimensions come from ffprobe and are cached so
// the short-lived broadcast process does not pay the probe cost per video.
package loadingscreen

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/piwall2/piwall2/internal/config"
	"github.com/piwall2/piwall2/internal/control"
	"github.com/piwall2/piwall2/internal/logging"
)

var log = logging.L("loadingscreen")

// maxDualOutputHeight caps clip resolution when any receiver drives two
// TVs; each output can only decode up to 720p.
const maxDualOutputHeight = 720

// Helper picks loading screens suited to the wall's capabilities.
type Helper struct {
	all      []control.LoadingScreenData
	capped   []control.LoadingScreenData // height <= 720
	dual     bool
	randIntn func(int) int
}

type cacheFile struct {
	Hash           string `json:"hash"`
	LoadingScreens struct {
		All  []control.LoadingScreenData `json:"all"`
		P720 []control.LoadingScreenData `json:"720p"`
	} `json:"loading_screens"`
}

// New probes the configured loading screens for their dimensions, consulting
// the JSON cache at cachePath first. The cache is keyed by a hash of the
// loading_screens config so edits invalidate it.
func New(cfg *config.Config, assetDir, cachePath string, probe Prober) (*Helper, error) {
	h := &Helper{
		dual:     cfg.IsAnyReceiverDualVideoOutput(),
		randIntn: rand.Intn,
	}

	hash, err := configHash(cfg.LoadingScreens)
	if err != nil {
		return nil, err
	}

	if cached, ok := readCache(cachePath, hash); ok {
		log.Info("using loading screen metadata cache", "path", cachePath)
		h.all = cached.LoadingScreens.All
		h.capped = cached.LoadingScreens.P720
		return h, nil
	}

	log.Info("probing loading screen metadata", "count", len(cfg.LoadingScreens))
	for _, ls := range cfg.LoadingScreens {
		path := filepath.Join(assetDir, ls.VideoFile)
		width, height, err := probe.Dimensions(path)
		if err != nil {
			return nil, fmt.Errorf("probe loading screen %s: %w", path, err)
		}
		entry := control.LoadingScreenData{VideoPath: path, Width: width, Height: height}
		h.all = append(h.all, entry)
		if height <= maxDualOutputHeight {
			h.capped = append(h.capped, entry)
		}
	}

	writeCache(cachePath, hash, h.all, h.capped)
	return h, nil
}

// Choose returns a random suitable loading screen. ok is false when none is
// configured (or none fits a dual-output wall).
func (h *Helper) Choose() (control.LoadingScreenData, bool) {
	options := h.all
	if h.dual {
		options = h.capped
	}
	if len(options) == 0 {
		return control.LoadingScreenData{}, false
	}
	return options[h.randIntn(len(options))], true
}

// publisher sends control messages. Satisfied by *control.Broadcaster.
type publisher interface {
	Send(t control.MessageType, content any) error
}

// Signal sends SHOW_LOADING_SCREEN with a randomly chosen clip. A wall with
// no usable loading screens sends nothing.
func (h *Helper) Signal(pub publisher, logUUID string) error {
	data, ok := h.Choose()
	if !ok {
		return nil
	}
	return pub.Send(control.TypeShowLoadingScreen, control.ShowLoadingScreen{
		LogUUID:           logUUID,
		LoadingScreenData: data,
	})
}

func configHash(screens []config.LoadingScreenConfig) (string, error) {
	raw, err := json.Marshal(screens)
	if err != nil {
		return "", fmt.Errorf("hash loading screen config: %w", err)
	}
	return fmt.Sprintf("%x", md5.Sum(raw)), nil
}

func readCache(path, wantHash string) (*cacheFile, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var c cacheFile
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Warn("ignoring unreadable loading screen cache", "path", path, logging.KeyError, err)
		return nil, false
	}
	if c.Hash != wantHash {
		return nil, false
	}
	return &c, true
}

func writeCache(path, hash string, all, capped []control.LoadingScreenData) {
	var c cacheFile
	c.Hash = hash
	c.LoadingScreens.All = all
	c.LoadingScreens.P720 = capped
	raw, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		log.Warn("could not encode loading screen cache", logging.KeyError, err)
		return
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o666); err != nil {
		log.Warn("could not write loading screen cache", "path", path, logging.KeyError, err)
	}
}

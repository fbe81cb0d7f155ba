package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/tetsuo/isodemux/track"
)

// DefaultReloadSeekDistance is the smallest forward gap between the input
// position and the next sample that is crossed by asking the driver to seek
// rather than by skipping bytes.
const DefaultReloadSeekDistance = 256 * 1024

// TimestampAdjuster maps sample times before they reach a TrackOutput.
type TimestampAdjuster interface {
	AdjustSampleTimestamp(timeUs int64) int64
}

// Config controls optional reader behavior. The zero value is usable; yaml
// keys are given in the struct tags.
type Config struct {
	// IgnoreEditLists disables edit list processing in moov.
	IgnoreEditLists bool `yaml:"ignore_edit_lists"`
	// IgnoreTfdt makes fragment decode times continue from the previous
	// fragment instead of tfdt.
	IgnoreTfdt bool `yaml:"ignore_tfdt"`
	// EveryVideoFrameIsSync marks only the first sample of each video
	// fragment as a sync sample, for streams whose sample flags are wrong.
	EveryVideoFrameIsSync bool `yaml:"every_video_frame_is_sync"`
	// EmsgTrack exposes emsg boxes on an extra metadata track.
	EmsgTrack bool `yaml:"emsg_track"`
	// CEA608Track exposes captions carried in SEI NAL units on an extra
	// text track.
	CEA608Track bool `yaml:"cea608_track"`
	// ReloadSeekDistance overrides DefaultReloadSeekDistance when positive.
	ReloadSeekDistance int64 `yaml:"reload_seek_distance"`

	// SideloadedTrack describes the only track of a fragmented stream whose
	// moov is absent or ignored.
	SideloadedTrack *track.Track `yaml:"-"`
	// TimestampAdjuster, if set, is applied to every emitted sample time.
	TimestampAdjuster TimestampAdjuster `yaml:"-"`
	// Logger receives warnings about tolerated inconsistencies. Nil uses
	// slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig decodes a YAML document into a Config. An empty document
// yields the zero Config.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("demux: config: %w", err)
	}
	if cfg.ReloadSeekDistance < 0 {
		return Config{}, fmt.Errorf("demux: config: negative reload_seek_distance %d", cfg.ReloadSeekDistance)
	}
	return cfg, nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) reloadSeekDistance() int64 {
	if c.ReloadSeekDistance > 0 {
		return c.ReloadSeekDistance
	}
	return DefaultReloadSeekDistance
}

func (c *Config) adjust(timeUs int64) int64 {
	if c.TimestampAdjuster == nil {
		return timeUs
	}
	return c.TimestampAdjuster.AdjustSampleTimestamp(timeUs)
}

package demux

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`
ignore_edit_lists: true
emsg_track: true
cea608_track: true
reload_seek_distance: 1024
`))
	require.NoError(t, err)
	require.True(t, cfg.IgnoreEditLists)
	require.True(t, cfg.EmsgTrack)
	require.True(t, cfg.CEA608Track)
	require.False(t, cfg.IgnoreTfdt)
	require.Equal(t, int64(1024), cfg.reloadSeekDistance())
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, int64(DefaultReloadSeekDistance), cfg.reloadSeekDistance())
	require.NotNil(t, cfg.logger())
	require.Equal(t, int64(5), cfg.adjust(5))
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("ignore_edit_list: true\n"))
	require.Error(t, err)

	_, err = LoadConfig(strings.NewReader("reload_seek_distance: -1\n"))
	require.ErrorContains(t, err, "negative")
}

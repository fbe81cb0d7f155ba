package mp4_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/input"
	"github.com/tetsuo/isodemux/internal/mp4test"
)

func TestSniff(t *testing.T) {
	free := mp4test.Box("free", make([]byte, 16))
	for _, tc := range []struct {
		name string
		raw  []byte
		want mp4.Kind
	}{
		{
			name: "unfragmented",
			raw:  join(mp4test.Ftyp(t, "isom", "isom"), mp4test.Container("moov", mp4test.Mvhd(t, 1000, 0)), free),
			want: mp4.KindUnfragmented,
		},
		{
			name: "mvex in moov",
			raw:  join(mp4test.Ftyp(t, "iso6", "dash"), mp4test.Container("moov", mp4test.Mvhd(t, 1000, 0), mp4test.Container("mvex"))),
			want: mp4.KindFragmented,
		},
		{
			name: "moof",
			raw:  join(mp4test.Ftyp(t, "msdh", "msdh"), mp4test.Container("moof"), free),
			want: mp4.KindFragmented,
		},
		{
			name: "3gp brand",
			raw:  join(mp4test.Ftyp(t, "3gp5"), free),
			want: mp4.KindUnfragmented,
		},
		{
			name: "unknown brand",
			raw:  join(mp4test.Ftyp(t, "xyz1", "xyz1"), free),
			want: mp4.KindNone,
		},
		{
			name: "no ftyp",
			raw:  join(mp4test.Container("moov", mp4test.Mvhd(t, 1000, 0)), free),
			want: mp4.KindNone,
		},
		{
			name: "garbage",
			raw:  []byte{0, 0, 0, 2, 'f', 't', 'y', 'p', 0, 0},
			want: mp4.KindNone,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := input.NewBuffer(tc.raw)
			k, err := mp4.SniffKind(in)
			require.NoError(t, err)
			require.Equal(t, tc.want, k)
			require.Zero(t, in.Position(), "sniffing must not consume input")

			frag, err := mp4.Sniff(in, true)
			require.NoError(t, err)
			require.Equal(t, tc.want == mp4.KindFragmented, frag)
			unfrag, err := mp4.Sniff(in, false)
			require.NoError(t, err)
			require.Equal(t, tc.want == mp4.KindUnfragmented, unfrag)
		})
	}
}

func TestIsCompatibleBrand(t *testing.T) {
	require.True(t, mp4.IsCompatibleBrand(mp4.BoxType{'i', 's', 'o', 'm'}))
	require.True(t, mp4.IsCompatibleBrand(mp4.BoxType{'3', 'g', 'p', '9'}))
	require.True(t, mp4.IsCompatibleBrand(mp4.BoxType{'q', 't', ' ', ' '}))
	require.False(t, mp4.IsCompatibleBrand(mp4.BoxType{'x', 'y', 'z', '1'}))
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestSniffOpenStream(t *testing.T) {
	raw := join(
		mp4test.Ftyp(t, "iso6", "dash"),
		mp4test.Container("moov", mp4test.Mvhd(t, 1000, 0), mp4test.Container("mvex")),
	)
	in := input.NewStream()
	in.Append(raw[:40])

	_, err := mp4.SniffKind(in)
	require.ErrorIs(t, err, mp4.ErrNeedMoreData)
	_, err = mp4.Sniff(in, true)
	require.ErrorIs(t, err, mp4.ErrNeedMoreData)
	require.Zero(t, in.Position())

	in.Append(raw[40:])
	k, err := mp4.SniffKind(in)
	require.NoError(t, err)
	require.Equal(t, mp4.KindFragmented, k)
}

func TestSniffOpenStreamWaitsForEnd(t *testing.T) {
	// An unfragmented file shorter than the search window is only decided
	// once the stream is closed.
	raw := join(mp4test.Ftyp(t, "isom", "isom"), mp4test.Container("moov", mp4test.Mvhd(t, 1000, 0)))
	in := input.NewStream()
	in.Append(raw)
	_, err := mp4.SniffKind(in)
	require.ErrorIs(t, err, mp4.ErrNeedMoreData)

	in.Close()
	k, err := mp4.SniffKind(in)
	require.NoError(t, err)
	require.Equal(t, mp4.KindUnfragmented, k)
}

package demux

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetsuo/isodemux"
	"github.com/tetsuo/isodemux/internal/mp4test"
)

func TestEventMessageEncode(t *testing.T) {
	e := EventMessage{SchemeIDURI: "urn:a", Value: "v", DurationMs: 2, ID: 3, Data: []byte{9}}
	want := []byte{'u', 'r', 'n', ':', 'a', 0, 'v', 0, 0, 0, 0, 2, 0, 0, 0, 3, 9}
	require.Equal(t, want, e.Encode())

	got, err := DecodeEventMessage(want)
	require.NoError(t, err)
	require.Equal(t, e, got)

	_, err = DecodeEventMessage([]byte("urn:a\x00v\x00\x01"))
	require.ErrorIs(t, err, mp4.ErrMalformed)
}

func TestParseEmsgV0(t *testing.T) {
	l := mp4test.Leaf(t, mp4test.EmsgV0("urn:x", "1", 90000, 45000, 180000, 5, []byte("hi")))

	ev, ok, err := parseEmsg(l, timeUnset)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(timeUnset), ev.timeUs)
	require.Equal(t, int64(500_000), ev.deltaUs)
	require.Equal(t, int64(2000), ev.msg.DurationMs)
	require.Equal(t, []byte("hi"), ev.msg.Data)

	ev, _, err = parseEmsg(l, 10_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(10_500_000), ev.timeUs)
}

func TestParseEmsgV1(t *testing.T) {
	l := mp4test.Leaf(t, mp4test.Emsg(1000, 1_500, 250, 1, "urn:y", "", nil))
	ev, ok, err := parseEmsg(l, timeUnset)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1_500_000), ev.timeUs)
	require.Equal(t, EventMessage{SchemeIDURI: "urn:y", DurationMs: 250, ID: 1}, ev.msg)
}

func TestParseEmsgErrors(t *testing.T) {
	_, ok, err := parseEmsg(mp4test.Leaf(t, mp4test.FullBox("emsg", 2, 0, nil)), timeUnset)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = parseEmsg(mp4test.Leaf(t, mp4test.Emsg(0, 1, 1, 1, "s", "v", nil)), timeUnset)
	require.ErrorIs(t, err, mp4.ErrMalformed)

	_, _, err = parseEmsg(mp4test.Leaf(t, mp4test.FullBox("emsg", 0, 0, []byte("s\x00v\x00"))), timeUnset)
	require.ErrorIs(t, err, mp4.ErrMalformed)
}

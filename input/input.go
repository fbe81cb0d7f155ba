// Package input provides mp4.Input implementations: an appendable in-memory
// Buffer for streaming and a File backed by a buffered io.ReadSeeker.
package input

import "github.com/tetsuo/isodemux"

// Seeker is an mp4.Input that a driver can reposition between reads.
type Seeker interface {
	mp4.Input
	Seek(pos int64) error
}

var (
	_ Seeker = (*Buffer)(nil)
	_ Seeker = (*File)(nil)
)

package stream

import "regexp"

// Frames are separated by a blank line. Bare and carriage-return-qualified
// line endings are accepted as equivalent.
var frameDelimiter = regexp.MustCompile(`\r?\n\r?\n`)

// FrameBuffer reassembles complete event frames from a chunked byte stream.
// Chunk boundaries carry no meaning: a frame, or the delimiter itself, may be
// split across any number of chunks. The trailing unterminated suffix is
// retained between calls and is never emitted as a frame; when the stream
// closes with an unterminated suffix it is simply dropped, as it cannot carry
// a complete payload.
type FrameBuffer struct {
	buf string
}

// Feed appends chunk to the buffer and returns all complete frames in
// arrival order.
func (b *FrameBuffer) Feed(chunk string) []string {
	b.buf += chunk
	parts := frameDelimiter.Split(b.buf, -1)
	b.buf = parts[len(parts)-1]
	return parts[:len(parts)-1]
}

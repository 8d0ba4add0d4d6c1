package camera

import "bytes"

const (
	// A preview frame larger than this is treated as garbage and dropped
	MaxPreviewFrameKB = 2048
	BytesPerKB        = 1024
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// jpegSplitter cuts a concatenated MJPEG byte stream into single JPEG frames.
// MJPEG is just back-to-back JPEGs delimited by FFD8 (start) and FFD9 (end).
type jpegSplitter struct {
	buf []byte
	max int
}

func newJPEGSplitter() *jpegSplitter {
	return &jpegSplitter{max: MaxPreviewFrameKB * BytesPerKB}
}

// Feed appends stream bytes and returns every frame completed by them
func (s *jpegSplitter) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for {
		start := bytes.Index(s.buf, jpegSOI)
		if start == -1 {
			// keep a trailing 0xFF, it may be the first half of a marker
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
				s.buf = append(s.buf[:0], 0xFF)
			} else {
				s.buf = s.buf[:0]
			}
			return frames
		}

		end := bytes.Index(s.buf[start+2:], jpegEOI)
		if end == -1 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
			if len(s.buf) > s.max {
				s.buf = s.buf[:0]
			}
			return frames
		}
		end += start + 2 + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, s.buf[start:end])
		frames = append(frames, frame)
		s.buf = s.buf[end:]
	}
}

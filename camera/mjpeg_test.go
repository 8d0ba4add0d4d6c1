package camera

import (
	"bytes"
	"testing"
)

func jpeg(body string) []byte {
	b := append([]byte{}, jpegSOI...)
	b = append(b, body...)
	return append(b, jpegEOI...)
}

func TestJPEGSplitter_Feed(t *testing.T) {
	first := jpeg("frame-one")
	second := jpeg("frame-two")

	testCases := []struct {
		name   string
		chunks [][]byte
		want   [][]byte
	}{
		{
			name:   "single frame",
			chunks: [][]byte{first},
			want:   [][]byte{first},
		},
		{
			name:   "two frames in one read",
			chunks: [][]byte{append(append([]byte{}, first...), second...)},
			want:   [][]byte{first, second},
		},
		{
			name:   "frame split across reads",
			chunks: [][]byte{first[:5], first[5:]},
			want:   [][]byte{first},
		},
		{
			name:   "marker split across reads",
			chunks: [][]byte{{'x', 0xFF}, append([]byte{0xD8}, first[2:]...)},
			want:   [][]byte{first},
		},
		{
			name:   "leading garbage",
			chunks: [][]byte{append([]byte("garbage"), first...)},
			want:   [][]byte{first},
		},
		{
			name:   "incomplete frame",
			chunks: [][]byte{first[:len(first)-1]},
			want:   nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newJPEGSplitter()
			var got [][]byte
			for _, c := range tc.chunks {
				got = append(got, s.Feed(c)...)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("Expected %d frames, got %d", len(tc.want), len(got))
			}
			for i := range got {
				if !bytes.Equal(got[i], tc.want[i]) {
					t.Errorf("Frame %d mismatch: got %x, want %x", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestJPEGSplitter_DropsOversizedFrame(t *testing.T) {
	s := newJPEGSplitter()
	s.max = 16

	s.Feed(append([]byte{}, jpegSOI...))
	s.Feed(bytes.Repeat([]byte{'a'}, 32))

	if len(s.buf) != 0 {
		t.Errorf("Expected oversized partial frame to be discarded, buffer holds %d bytes", len(s.buf))
	}

	frame := jpeg("ok")
	got := s.Feed(frame)
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Errorf("Expected splitter to recover with the next frame, got %d frames", len(got))
	}
}

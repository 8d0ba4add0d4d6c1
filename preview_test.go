package main

import (
	"os"
	"path/filepath"
	"testing"

	"dualcam/camera"
)

type fakePreview struct {
	frame []byte
}

func (f *fakePreview) Preview(opts camera.PreviewOptions) []byte {
	if !opts.Enabled {
		return nil
	}
	return f.frame
}

func TestPreviewWriter_WriteOnce(t *testing.T) {
	dir := t.TempDir()
	source := &fakePreview{}
	pw := NewPreviewWriter(source, &Config{OutputDir: dir, PreviewEnabled: true}, NewLogger(false))
	path := filepath.Join(dir, PreviewFilename)

	if wrote, err := pw.WriteOnce(); err != nil || wrote {
		t.Fatalf("Expected nothing written without a frame, got %v (%v)", wrote, err)
	}

	source.frame = []byte("jpeg-1")
	if wrote, err := pw.WriteOnce(); err != nil || !wrote {
		t.Fatalf("Expected first frame to be written, got %v (%v)", wrote, err)
	}
	if data, _ := os.ReadFile(path); string(data) != "jpeg-1" {
		t.Errorf("Expected preview file to hold jpeg-1, got %q", data)
	}

	if wrote, _ := pw.WriteOnce(); wrote {
		t.Error("Expected an unchanged frame not to be rewritten")
	}

	source.frame = []byte("jpeg-2")
	if wrote, err := pw.WriteOnce(); err != nil || !wrote {
		t.Fatalf("Expected new frame to be written, got %v (%v)", wrote, err)
	}
	if data, _ := os.ReadFile(path); string(data) != "jpeg-2" {
		t.Errorf("Expected preview file to hold jpeg-2, got %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected no temp file left behind")
	}
}

func TestPreviewWriter_Disabled(t *testing.T) {
	dir := t.TempDir()
	source := &fakePreview{frame: []byte("jpeg")}
	pw := NewPreviewWriter(source, &Config{OutputDir: dir, PreviewEnabled: false}, NewLogger(false))

	if wrote, _ := pw.WriteOnce(); wrote {
		t.Error("Expected disabled preview not to write")
	}
	if _, err := os.Stat(filepath.Join(dir, PreviewFilename)); !os.IsNotExist(err) {
		t.Error("Expected no preview file")
	}
}

package artifact

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestAttachGIFDataInlinesAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.gif")
	raw := []byte("GIF89a-fake-bytes")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write gif: %v", err)
	}

	payload := map[string]any{"gif_file": path, "gif_filename": "out.gif", "frame_count": 3.0}
	AttachGIFData(context.Background(), payload, "t1", nil)

	want := base64.StdEncoding.EncodeToString(raw)
	if payload["gif_data"] != want {
		t.Fatalf("gif_data = %v", payload["gif_data"])
	}
	if payload["gif_url"] != "data:image/gif;base64,"+want {
		t.Fatalf("gif_url = %v", payload["gif_url"])
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("temp gif file was not removed")
	}
}

func TestAttachGIFDataIgnoresPayloadWithoutFile(t *testing.T) {
	payload := map[string]any{"gif_data": "already-inline"}
	AttachGIFData(context.Background(), payload, "t1", nil)
	if payload["gif_data"] != "already-inline" {
		t.Fatalf("payload was rewritten: %v", payload)
	}
	if _, ok := payload["gif_url"]; ok {
		t.Fatalf("gif_url added without a gif_file")
	}
}

func TestAttachGIFDataMissingFileLeavesPayload(t *testing.T) {
	payload := map[string]any{"gif_file": "/no/such/file.gif"}
	AttachGIFData(context.Background(), payload, "t1", nil)
	if _, ok := payload["gif_data"]; ok {
		t.Fatalf("gif_data set despite unreadable file")
	}
}

func TestNewUploaderRequiresEndpoint(t *testing.T) {
	if _, err := NewUploader(UploaderConfig{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

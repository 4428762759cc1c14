package content

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case "/b.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			w.Write([]byte("jpg-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewImageFetcher(5 * time.Second)
	urls := []string{srv.URL + "/a.png", srv.URL + "/missing", srv.URL + "/b.jpg"}
	images := f.Fetch(context.Background(), urls)

	if len(images) != 2 {
		t.Fatalf("expected 2 images (failure skipped), got %d", len(images))
	}
	if images[0].MIME != "image/png" {
		t.Errorf("expected image/png, got %q", images[0].MIME)
	}
	// Charset suffix stripped from Content-Type
	if images[1].MIME != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %q", images[1].MIME)
	}
	want := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	if images[0].Base64 != want {
		t.Errorf("unexpected base64 payload: %q", images[0].Base64)
	}
	// Order of surviving URLs preserved
	if images[0].URL != urls[0] || images[1].URL != urls[2] {
		t.Errorf("order not preserved: %v", []string{images[0].URL, images[1].URL})
	}
}

func TestFetchDefaultsMIME(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil // suppress sniffing header
		w.Write([]byte{0x00, 0x01})
	}))
	defer srv.Close()

	f := NewImageFetcher(0)
	images := f.Fetch(context.Background(), []string{srv.URL})
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}
	if images[0].MIME != "image/jpeg" {
		t.Errorf("expected jpeg fallback, got %q", images[0].MIME)
	}
}

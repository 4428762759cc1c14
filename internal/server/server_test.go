package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hanliu/notewatch/internal/archive"
)

func newTestServer(t *testing.T) (*Server, *archive.DB) {
	t.Helper()
	db, err := archive.Open(filepath.Join(t.TempDir(), "digests.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s, db
}

func insertTestDigest(t *testing.T, db *archive.DB, postID string) int64 {
	t.Helper()
	id, err := db.InsertDigest(archive.Digest{
		CreatorRef:   "c1",
		CreatorName:  "Alice",
		PostID:       postID,
		Title:        "Title " + postID,
		BodyMarkdown: "**bold body** for " + postID,
		Summary:      "summary",
		ImageCount:   2,
		PublishedAt:  "2026-08-28 12:00:00",
		Dispatched:   true,
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return id
}

func TestIndexListsDigests(t *testing.T) {
	s, db := newTestServer(t)
	insertTestDigest(t, db, "p1")
	insertTestDigest(t, db, "p2")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Title p1") || !strings.Contains(body, "Title p2") {
		t.Errorf("expected both digests listed, got %q", body)
	}
}

func TestIndexEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty archive, got %d", w.Code)
	}
}

func TestIndexUnknownPath(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nonsense", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDigestPageRendersMarkdown(t *testing.T) {
	s, db := newTestServer(t)
	id := insertTestDigest(t, db, "p1")

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/digest/%d", id), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<strong>bold body</strong>") {
		t.Errorf("expected rendered markdown, got %q", body)
	}
}

func TestDigestPageMissing(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/digest/42", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing digest, got %d", w.Code)
	}
}

func TestDigestPageBadID(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/digest/notanumber", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for bad id, got %d", w.Code)
	}
}

func TestRenderMarkdown(t *testing.T) {
	out := renderMarkdown("plain *emphasis*")
	if !strings.Contains(string(out), "<em>emphasis</em>") {
		t.Errorf("expected markdown conversion, got %q", out)
	}
}

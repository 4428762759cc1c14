package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hanliu/notewatch/internal/content"
	"github.com/hanliu/notewatch/internal/creators"
	"github.com/hanliu/notewatch/internal/identity"
	"github.com/hanliu/notewatch/internal/notify"
	"github.com/hanliu/notewatch/internal/state"
	"github.com/hanliu/notewatch/internal/summarize"
)

type fakeIdentity struct {
	resolved *identity.Resolved
	err      error
}

func (f *fakeIdentity) Resolve(ctx context.Context, ref, hint string) (*identity.Resolved, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resolved, nil
}

type fakeContent struct {
	entries    []content.FeedEntry
	listErr    error
	details    map[string]*content.PostDetail
	detailErrs map[string]error
}

func (f *fakeContent) ListRecent(ctx context.Context, id *identity.Resolved) ([]content.FeedEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeContent) ResolveDetail(ctx context.Context, id *identity.Resolved, e content.FeedEntry) (*content.PostDetail, error) {
	if err, ok := f.detailErrs[e.PostID]; ok {
		return nil, err
	}
	if d, ok := f.details[e.PostID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("no detail for %s", e.PostID)
}

type fakeImages struct{}

func (fakeImages) Fetch(ctx context.Context, urls []string) []content.ImageData {
	out := make([]content.ImageData, len(urls))
	for i, u := range urls {
		out[i] = content.ImageData{URL: u, MIME: "image/jpeg", Base64: "ZGF0YQ=="}
	}
	return out
}

type fakeSummarizer struct {
	summary string
	hints   []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, images []summarize.Image, textHint string) string {
	f.hints = append(f.hints, textHint)
	return f.summary
}

func (f *fakeSummarizer) BatchSize() int { return 4 }

type fakeNotifier struct {
	digests []string
	authors []string
	err     error
}

func (f *fakeNotifier) SendDigest(ctx context.Context, authorName, sourceLabel, body string) error {
	if f.err != nil {
		return f.err
	}
	f.authors = append(f.authors, authorName)
	f.digests = append(f.digests, body)
	return nil
}

func (f *fakeNotifier) SendSystemNotice(ctx context.Context, level notify.Level, title, content string) error {
	return nil
}

// testSetup wires a scheduler around fakes with a fixed clock.
type testSetup struct {
	sched    *Scheduler
	store    *state.Store
	posts    *fakeContent
	notifier *fakeNotifier
	summ     *fakeSummarizer
	now      time.Time
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	store, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	posts := &fakeContent{
		details:    make(map[string]*content.PostDetail),
		detailErrs: make(map[string]error),
	}
	notifier := &fakeNotifier{}
	summ := &fakeSummarizer{summary: "ai summary"}
	now := time.Date(2026, 8, 28, 15, 0, 0, 0, time.Local)

	sched := New(Config{InitialSample: 3, Backoff: time.Millisecond},
		&fakeIdentity{resolved: &identity.Resolved{UserID: "u1", DisplayName: "Resolved Name"}},
		posts, fakeImages{}, summ, notifier, store, nil)
	sched.now = func() time.Time { return now }

	return &testSetup{sched: sched, store: store, posts: posts, notifier: notifier, summ: summ, now: now}
}

// addPost registers a normal image post published at the given time.
func (ts *testSetup) addPost(id string, published time.Time) {
	millis := published.UnixMilli()
	ts.posts.entries = append(ts.posts.entries, content.FeedEntry{PostID: id, PublishTimeMillis: millis})
	ts.posts.details[id] = &content.PostDetail{
		PostID:            id,
		PublishTimeMillis: millis,
		PostType:          "normal",
		Title:             "Title " + id,
		ImageURLs:         []string{"http://img/" + id},
		Link:              "http://example/" + id,
	}
}

func testCreator() creators.Creator {
	return creators.Creator{Ref: "c1", Name: "Alice", PollInterval: 600}
}

func TestTickFirstEncounterSamplesMostRecent(t *testing.T) {
	ts := newTestSetup(t)
	// Ten posts today, one per minute; feed order is newest-first
	for i := 9; i >= 0; i-- {
		ts.addPost(fmt.Sprintf("p%d", i), ts.now.Add(-time.Duration(9-i)*time.Minute))
	}

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	// Only the 3 most recent notified, in ascending publish order
	if len(ts.notifier.digests) != 3 {
		t.Fatalf("expected 3 digests, got %d", len(ts.notifier.digests))
	}
	for i, want := range []string{"p7", "p8", "p9"} {
		if !strings.Contains(ts.notifier.digests[i], "Title "+want) {
			t.Errorf("digest %d: expected %s, got %q", i, want, ts.notifier.digests[i])
		}
	}

	// Every today-post lands in the baseline, sampled or not
	baseline := ts.store.DailyBaseline("c1", "2026-08-28")
	if len(baseline) != 10 {
		t.Errorf("expected baseline of 10, got %d: %v", len(baseline), baseline)
	}
}

func TestTickSecondPassIsIdempotent(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 1 {
		t.Errorf("expected 1 digest across two ticks, got %d", len(ts.notifier.digests))
	}
}

func TestTickNotifiesNewPostAfterBaseline(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Hour))
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	ts.addPost("p2", ts.now.Add(-time.Minute))
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	if len(ts.notifier.digests) != 2 {
		t.Fatalf("expected 2 digests, got %d", len(ts.notifier.digests))
	}
	if !strings.Contains(ts.notifier.digests[1], "Title p2") {
		t.Errorf("expected p2 in second digest, got %q", ts.notifier.digests[1])
	}
	if !ts.store.HasSeen("c1", "p2") {
		t.Error("expected p2 marked seen")
	}
}

func TestTickSkipsAlreadySeenPost(t *testing.T) {
	ts := newTestSetup(t)
	// Baseline the day with no posts yet, then surface an old seen post
	ts.addPost("old", ts.now.Add(-time.Hour))
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	ts.store.MarkSeen("c1", "seen-before")
	ts.addPost("seen-before", ts.now.Add(-time.Minute))
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}

	for _, d := range ts.notifier.digests {
		if strings.Contains(d, "seen-before") {
			t.Error("seen post must never be re-notified")
		}
	}
}

func TestTickIgnoresUnknownPublishTime(t *testing.T) {
	ts := newTestSetup(t)
	ts.posts.entries = []content.FeedEntry{{PostID: "p0", PublishTimeMillis: 0}}

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 0 {
		t.Errorf("expected no digests, got %d", len(ts.notifier.digests))
	}
	if ts.store.HasSeen("c1", "p0") {
		t.Error("undated post must not be marked seen")
	}
}

func TestTickIgnoresOlderDays(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("yesterday", ts.now.Add(-24*time.Hour))

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 0 {
		t.Errorf("expected no digests for prior-day posts, got %d", len(ts.notifier.digests))
	}
}

func TestProcessEntrySkipsVideoPosts(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))
	ts.posts.details["p1"].PostType = "video"

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 0 {
		t.Errorf("expected no digest for video post, got %d", len(ts.notifier.digests))
	}
	if !ts.store.HasSeen("c1", "p1") {
		t.Error("video post must still be marked seen")
	}
}

func TestProcessEntrySkipsImagelessPosts(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))
	ts.posts.details["p1"].ImageURLs = nil

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 0 {
		t.Errorf("expected no digest for imageless post, got %d", len(ts.notifier.digests))
	}
	if !ts.store.HasSeen("c1", "p1") {
		t.Error("imageless post must still be marked seen")
	}
}

func TestProcessEntryPermanentFailureMarksSeen(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))
	delete(ts.posts.details, "p1")
	ts.posts.detailErrs["p1"] = &content.FetchError{PostID: "p1", Permanent: true, Err: fmt.Errorf("gone")}

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !ts.store.HasSeen("c1", "p1") {
		t.Error("permanently broken post must be marked seen")
	}
}

func TestProcessEntryTransientFailureRetries(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))
	detail := ts.posts.details["p1"]
	delete(ts.posts.details, "p1")
	ts.posts.detailErrs["p1"] = &content.FetchError{PostID: "p1", Permanent: false, Err: fmt.Errorf("timeout")}

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	if ts.store.HasSeen("c1", "p1") {
		t.Fatal("transiently failed post must not be marked seen")
	}

	// Failure clears: the post is picked up on the next tick
	delete(ts.posts.detailErrs, "p1")
	ts.posts.details["p1"] = detail
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 1 {
		t.Errorf("expected 1 digest after retry, got %d", len(ts.notifier.digests))
	}
	if !ts.store.HasSeen("c1", "p1") {
		t.Error("expected p1 seen after successful retry")
	}
}

func TestFirstEncounterDefersTransientFailures(t *testing.T) {
	ts := newTestSetup(t)
	// Five posts today, p0 oldest .. p4 newest; sample is p2, p3, p4
	for i := 0; i < 5; i++ {
		ts.addPost(fmt.Sprintf("p%d", i), ts.now.Add(-time.Duration(4-i)*time.Minute))
	}
	detail := ts.posts.details["p3"]
	delete(ts.posts.details, "p3")
	ts.posts.detailErrs["p3"] = &content.FetchError{PostID: "p3", Permanent: false, Err: fmt.Errorf("timeout")}

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 2 {
		t.Fatalf("expected 2 digests on first tick, got %d", len(ts.notifier.digests))
	}

	// The transiently failed sample entry must stay out of the baseline
	baseline := ts.store.DailyBaseline("c1", "2026-08-28")
	if len(baseline) != 4 {
		t.Fatalf("expected baseline of 4 (p3 deferred), got %v", baseline)
	}
	for _, pid := range baseline {
		if pid == "p3" {
			t.Fatalf("deferred post leaked into baseline: %v", baseline)
		}
	}
	if ts.store.HasSeen("c1", "p3") {
		t.Fatal("transiently failed post must not be marked seen")
	}

	// Next tick retries only the deferred entry
	delete(ts.posts.detailErrs, "p3")
	ts.posts.details["p3"] = detail
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 3 {
		t.Fatalf("expected 3 digests after retry, got %d", len(ts.notifier.digests))
	}
	if !strings.Contains(ts.notifier.digests[2], "Title p3") {
		t.Errorf("expected p3 in retry digest, got %q", ts.notifier.digests[2])
	}
	if !ts.store.HasSeen("c1", "p3") {
		t.Error("expected p3 seen after successful retry")
	}
}

func TestProcessEntryDispatchFailureStillMarksSeen(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))
	ts.notifier.err = fmt.Errorf("sink down")

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if !ts.store.HasSeen("c1", "p1") {
		t.Error("post must be marked seen even when dispatch fails")
	}

	// Recovered sink must not produce a duplicate
	ts.notifier.err = nil
	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 0 {
		t.Errorf("expected no late duplicate, got %d", len(ts.notifier.digests))
	}
}

func TestDigestBody(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("p1", ts.now.Add(-time.Minute))
	d := ts.posts.details["p1"]
	d.Description = "a description"
	d.ImageURLs = []string{"http://img/1", "http://img/2", "http://img/3", "http://img/4", "http://img/5", "http://img/6"}

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(ts.notifier.digests) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(ts.notifier.digests))
	}
	body := ts.notifier.digests[0]

	if !strings.Contains(body, "**Title p1**") {
		t.Errorf("missing title: %q", body)
	}
	if !strings.Contains(body, "a description") {
		t.Errorf("missing description: %q", body)
	}
	if !strings.Contains(body, "[Original post](http://example/p1)") {
		t.Errorf("missing link: %q", body)
	}
	if !strings.Contains(body, "**AI Summary**") || !strings.Contains(body, "ai summary") {
		t.Errorf("missing summary: %q", body)
	}
	// Image references capped at the summarizer batch size
	if strings.Count(body, "![image") != 4 {
		t.Errorf("expected 4 image refs, got %d in %q", strings.Count(body, "![image"), body)
	}
	if ts.notifier.authors[0] != "Alice" {
		t.Errorf("expected creator name as author, got %q", ts.notifier.authors[0])
	}
}

func TestTextHintTruncation(t *testing.T) {
	ts := newTestSetup(t)
	ts.sched.cfg.TextHintMaxLen = 10
	ts.addPost("p1", ts.now.Add(-time.Minute))
	ts.posts.details["p1"].Title = "0123456789ABCDEF"

	if err := ts.sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(ts.summ.hints) != 1 {
		t.Fatalf("expected 1 summarize call, got %d", len(ts.summ.hints))
	}
	if ts.summ.hints[0] != "0123456789" {
		t.Errorf("expected truncated hint, got %q", ts.summ.hints[0])
	}
}

func TestTruncateUTF8Safe(t *testing.T) {
	s := "你好世界" // 3 bytes per rune
	got := truncate(s, 7)
	if got != "你好" {
		t.Errorf("expected rune-safe cut, got %q", got)
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
}

func TestStatePersistedAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	store, _ := state.Load(path)
	posts := &fakeContent{details: make(map[string]*content.PostDetail), detailErrs: make(map[string]error)}
	notifier := &fakeNotifier{}
	now := time.Date(2026, 8, 28, 15, 0, 0, 0, time.Local)
	sched := New(Config{}, &fakeIdentity{resolved: &identity.Resolved{UserID: "u1"}},
		posts, fakeImages{}, &fakeSummarizer{}, notifier, store, nil)
	sched.now = func() time.Time { return now }

	millis := now.Add(-time.Minute).UnixMilli()
	posts.entries = []content.FeedEntry{{PostID: "p1", PublishTimeMillis: millis}}
	posts.details["p1"] = &content.PostDetail{PostID: "p1", PublishTimeMillis: millis,
		PostType: "normal", ImageURLs: []string{"http://img/1"}}

	if err := sched.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	// Fresh process, same file: nothing is re-notified
	store2, _ := state.Load(path)
	notifier2 := &fakeNotifier{}
	sched2 := New(Config{}, &fakeIdentity{resolved: &identity.Resolved{UserID: "u1"}},
		posts, fakeImages{}, &fakeSummarizer{}, notifier2, store2, nil)
	sched2.now = func() time.Time { return now }

	if err := sched2.Tick(context.Background(), testCreator()); err != nil {
		t.Fatalf("tick after restart failed: %v", err)
	}
	if len(notifier2.digests) != 0 {
		t.Errorf("expected no digests after restart, got %d", len(notifier2.digests))
	}
}

func TestRunOnceReportsFirstError(t *testing.T) {
	ts := newTestSetup(t)
	failing := &fakeIdentity{err: fmt.Errorf("unresolvable")}
	ts.sched.ids = failing

	err := ts.sched.RunOnce(context.Background(), []creators.Creator{testCreator()})
	if err == nil {
		t.Fatal("expected error from failing creator")
	}
}

func TestInspectLatest(t *testing.T) {
	ts := newTestSetup(t)
	ts.addPost("older", ts.now.Add(-2*time.Hour))
	ts.addPost("newest", ts.now.Add(-time.Minute))
	ts.addPost("video", ts.now)
	ts.posts.details["video"].PostType = "video"

	res, err := ts.sched.InspectLatest(context.Background(), testCreator())
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if res.PostID != "newest" {
		t.Errorf("expected newest image post, got %q", res.PostID)
	}
	if res.Summary != "ai summary" {
		t.Errorf("expected summary, got %q", res.Summary)
	}
	// Inspection is a dry run: no ledger writes, no notifications
	if ts.store.HasSeen("c1", "newest") {
		t.Error("inspect must not mark posts seen")
	}
	if len(ts.notifier.digests) != 0 {
		t.Errorf("inspect must not dispatch, got %d digests", len(ts.notifier.digests))
	}
}

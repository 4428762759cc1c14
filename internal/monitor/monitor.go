// Package monitor drives one poll loop per creator: resolve identity, list
// recent posts, admit the ones that are genuinely new today, resolve and
// summarize them, dispatch digests, and keep the dedup ledger current.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hanliu/notewatch/internal/archive"
	"github.com/hanliu/notewatch/internal/content"
	"github.com/hanliu/notewatch/internal/creators"
	"github.com/hanliu/notewatch/internal/identity"
	"github.com/hanliu/notewatch/internal/notify"
	"github.com/hanliu/notewatch/internal/state"
	"github.com/hanliu/notewatch/internal/summarize"
)

// normalPostType is the only post type that gets summarized and notified.
// Everything else (video, collections) is recorded as seen and skipped.
const normalPostType = "normal"

// IdentityResolver resolves a creator reference to a platform identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, ref, displayNameHint string) (*identity.Resolved, error)
}

// ContentResolver lists a creator's feed and resolves entries to full posts.
type ContentResolver interface {
	ListRecent(ctx context.Context, id *identity.Resolved) ([]content.FeedEntry, error)
	ResolveDetail(ctx context.Context, id *identity.Resolved, e content.FeedEntry) (*content.PostDetail, error)
}

// Summarizer produces one summary for a post's images; "" means no summary.
type Summarizer interface {
	Summarize(ctx context.Context, images []summarize.Image, textHint string) string
	BatchSize() int
}

// ImageFetcher downloads post images for the AI backend.
type ImageFetcher interface {
	Fetch(ctx context.Context, urls []string) []content.ImageData
}

// Config tunes the scheduler.
type Config struct {
	// InitialSample is how many of a day's pre-existing posts get notified
	// the first time that day is encountered for a creator.
	InitialSample int
	// TextHintMaxLen caps the title+description hint passed to the summarizer.
	TextHintMaxLen int
	// Backoff is the sleep after a failed tick.
	Backoff time.Duration
	// SourceLabel names the platform in dispatched digests.
	SourceLabel string
}

func (c *Config) applyDefaults() {
	if c.InitialSample <= 0 {
		c.InitialSample = 3
	}
	if c.TextHintMaxLen <= 0 {
		c.TextHintMaxLen = 800
	}
	if c.Backoff <= 0 {
		c.Backoff = 60 * time.Second
	}
	if c.SourceLabel == "" {
		c.SourceLabel = "RedNote"
	}
}

// Scheduler owns the per-creator poll loops.
type Scheduler struct {
	cfg      Config
	ids      IdentityResolver
	posts    ContentResolver
	images   ImageFetcher
	summ     Summarizer
	notifier notify.Notifier
	store    *state.Store
	archive  *archive.DB // optional

	now func() time.Time
}

// New creates a scheduler. archiveDB may be nil to disable digest archiving.
func New(cfg Config, ids IdentityResolver, posts ContentResolver, images ImageFetcher,
	summ Summarizer, notifier notify.Notifier, store *state.Store, archiveDB *archive.DB) *Scheduler {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Scheduler{
		cfg:      cfg,
		ids:      ids,
		posts:    posts,
		images:   images,
		summ:     summ,
		notifier: notifier,
		store:    store,
		archive:  archiveDB,
		now:      time.Now,
	}
}

// Watch runs one poll loop per creator until ctx is canceled. Loops share
// nothing but the state store, which is keyed by creator, so a failure in
// one loop never affects another.
func (s *Scheduler) Watch(ctx context.Context, list []creators.Creator) {
	if len(list) == 0 {
		log.Println("monitor: no creators configured")
		return
	}
	var wg sync.WaitGroup
	for _, c := range list {
		wg.Add(1)
		go func(c creators.Creator) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("monitor: %s: loop panicked: %v", c.Name, r)
					notice := fmt.Sprintf("Monitoring loop for **%s** crashed and stopped.\n\n%v", c.Name, r)
					if err := s.notifier.SendSystemNotice(ctx, notify.LevelError, "notewatch loop crashed", notice); err != nil {
						log.Printf("monitor: %s: crash notice failed: %v", c.Name, err)
					}
				}
			}()
			s.runLoop(ctx, c)
		}(c)
	}
	wg.Wait()
}

// RunOnce ticks every creator once, sequentially. Used by the check command.
func (s *Scheduler) RunOnce(ctx context.Context, list []creators.Creator) error {
	var firstErr error
	for _, c := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Tick(ctx, c); err != nil {
			log.Printf("monitor: %s: tick failed: %v", c.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// runLoop polls one creator forever. A failed tick sleeps the backoff
// interval instead of the poll interval; the loop only exits on cancellation.
func (s *Scheduler) runLoop(ctx context.Context, c creators.Creator) {
	interval := time.Duration(c.PollInterval) * time.Second
	for {
		log.Printf("monitor: checking %s (ref=%s)", c.Name, c.Ref)
		sleep := interval
		if err := s.Tick(ctx, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("monitor: %s: tick failed: %v", c.Name, err)
			sleep = s.cfg.Backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Tick runs one poll pass for one creator.
func (s *Scheduler) Tick(ctx context.Context, c creators.Creator) error {
	id, err := s.ids.Resolve(ctx, c.Ref, c.Name)
	if err != nil {
		return err
	}

	entries, err := s.posts.ListRecent(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	today := todayEntries(entries, now)
	if len(today) == 0 {
		return nil
	}
	sort.SliceStable(today, func(i, j int) bool {
		return today[i].PublishTimeMillis < today[j].PublishTimeMillis
	})

	dayKey := dayKeyOf(now)
	baseline := s.store.DailyBaseline(c.Ref, dayKey)

	if len(baseline) == 0 {
		// First encounter of this day: notify a small sample of the most
		// recent posts, then record the today-ids as baseline so the rest
		// of the backlog is never treated as new. Sample entries that failed
		// transiently stay out of the baseline so the next tick retries them.
		sample := today
		if len(sample) > s.cfg.InitialSample {
			sample = sample[len(sample)-s.cfg.InitialSample:]
		}
		deferred := make(map[string]bool)
		for _, e := range sample {
			if !s.processEntry(ctx, c, id, dayKey, e) {
				deferred[e.PostID] = true
			}
		}
		all := make([]string, 0, len(today))
		for _, e := range today {
			if deferred[e.PostID] {
				continue
			}
			all = append(all, e.PostID)
		}
		s.store.SetDailyBaseline(c.Ref, dayKey, all)
	} else {
		known := make(map[string]bool, len(baseline))
		for _, pid := range baseline {
			known[pid] = true
		}
		for _, e := range today {
			if known[e.PostID] {
				continue
			}
			if s.store.HasSeen(c.Ref, e.PostID) {
				// Re-surfaced from a prior day; record it for today but
				// never re-notify.
				s.store.AddDailySeen(c.Ref, dayKey, e.PostID)
				continue
			}
			s.processEntry(ctx, c, id, dayKey, e)
		}
	}

	if err := s.store.Save(); err != nil {
		return fmt.Errorf("monitor: persisting state for %s: %w", c.Ref, err)
	}
	return nil
}

// processEntry resolves, summarizes, and dispatches one admitted entry.
// Failures here never abort the remaining posts of the same tick. The return
// reports whether the entry reached a final state; false means a transient
// resolution failure, and the caller must leave the entry unrecorded so the
// next tick retries it.
func (s *Scheduler) processEntry(ctx context.Context, c creators.Creator, id *identity.Resolved, dayKey string, e content.FeedEntry) bool {
	detail, err := s.posts.ResolveDetail(ctx, id, e)
	if err != nil {
		log.Printf("monitor: %s: %v", c.Name, err)
		var fe *content.FetchError
		if errors.As(err, &fe) && fe.Permanent {
			// Permanently broken post: remember it so it is never retried.
			s.markSeen(c.Ref, dayKey, e.PostID)
			return true
		}
		return false
	}

	if detail.PostType != normalPostType || len(detail.ImageURLs) == 0 {
		s.markSeen(c.Ref, dayKey, e.PostID)
		return true
	}

	fetched := s.images.Fetch(ctx, detail.ImageURLs)
	images := make([]summarize.Image, len(fetched))
	for i, img := range fetched {
		images[i] = summarize.Image{MIME: img.MIME, Base64: img.Base64}
	}

	hint := truncate(joinNonEmpty(detail.Title, detail.Description), s.cfg.TextHintMaxLen)
	summary := s.summ.Summarize(ctx, images, hint)

	body := s.formatDigest(detail, summary)
	author := c.Name
	if author == "" {
		author = id.DisplayName
	}

	dispatched := true
	if err := s.notifier.SendDigest(ctx, author, s.cfg.SourceLabel, body); err != nil {
		// Dispatch is not retried: the post is still marked seen below, so a
		// flaky sink can drop a notification but never duplicate one.
		dispatched = false
		log.Printf("monitor: %s: dispatching digest for %s: %v", c.Name, detail.PostID, err)
	}

	if s.archive != nil {
		rec := archive.Digest{
			CreatorRef:   c.Ref,
			CreatorName:  author,
			PostID:       detail.PostID,
			Title:        detail.Title,
			BodyMarkdown: body,
			Summary:      summary,
			ImageCount:   len(detail.ImageURLs),
			PublishedAt:  formatPublishTime(detail.PublishTimeMillis),
			Dispatched:   dispatched,
		}
		if _, err := s.archive.InsertDigest(rec); err != nil {
			log.Printf("monitor: %s: archiving digest for %s: %v", c.Name, detail.PostID, err)
		}
	}

	s.markSeen(c.Ref, dayKey, detail.PostID)
	return true
}

// markSeen records a post in both ledgers: all-time and today's set.
func (s *Scheduler) markSeen(creatorRef, dayKey, postID string) {
	s.store.MarkSeen(creatorRef, postID)
	s.store.AddDailySeen(creatorRef, dayKey, postID)
}

// formatDigest renders the notification body: title, description, link, a
// capped run of image references, the AI summary, and the publish time.
func (s *Scheduler) formatDigest(d *content.PostDetail, summary string) string {
	title := d.Title
	if title == "" {
		title = "Untitled"
	}

	body := fmt.Sprintf("**%s**\n\n", title)
	if d.Description != "" {
		body += d.Description + "\n\n"
	}
	body += fmt.Sprintf("[Original post](%s)\n\n", d.Link)

	maxImages := s.summ.BatchSize()
	for i, u := range d.ImageURLs {
		if i >= maxImages {
			break
		}
		body += fmt.Sprintf("![image %d](%s)\n", i+1, u)
	}

	if summary != "" {
		body += fmt.Sprintf("\n\n**AI Summary**\n\n%s", summary)
	}
	body += fmt.Sprintf("\n\nPublished: %s", formatPublishTime(d.PublishTimeMillis))
	return body
}

// todayEntries filters a feed to entries published during the current local
// calendar day. Entries with an unknown publish time are never eligible.
func todayEntries(entries []content.FeedEntry, now time.Time) []content.FeedEntry {
	var out []content.FeedEntry
	for _, e := range entries {
		if e.PublishTimeMillis <= 0 {
			continue
		}
		t := time.UnixMilli(e.PublishTimeMillis)
		if sameDay(t, now) {
			out = append(out, e)
		}
	}
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func dayKeyOf(t time.Time) string {
	return t.Format("2006-01-02")
}

func formatPublishTime(millis int64) string {
	if millis <= 0 {
		return "unknown"
	}
	return time.UnixMilli(millis).Format("2006-01-02 15:04:05")
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += p
	}
	return out
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

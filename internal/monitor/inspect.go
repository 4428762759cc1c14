package monitor

import (
	"context"
	"fmt"
	"log"

	"github.com/hanliu/notewatch/internal/creators"
	"github.com/hanliu/notewatch/internal/summarize"
)

// Inspection is the result of a one-shot dry run against one creator.
type Inspection struct {
	CreatorName string
	PostID      string
	Link        string
	Title       string
	Description string
	ImageURLs   []string
	PublishedAt string
	Summary     string
}

// inspectCandidates caps how many feed entries InspectLatest examines.
const inspectCandidates = 10

// InspectLatest resolves the creator's most recent summarizable image post
// and summarizes it without touching the ledger or dispatching anything.
// Used by the test-note command to verify cookie, signer, and AI wiring.
func (s *Scheduler) InspectLatest(ctx context.Context, c creators.Creator) (*Inspection, error) {
	id, err := s.ids.Resolve(ctx, c.Ref, c.Name)
	if err != nil {
		return nil, err
	}

	entries, err := s.posts.ListRecent(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) > inspectCandidates {
		entries = entries[:inspectCandidates]
	}

	var best *Inspection
	var bestTime int64
	for _, e := range entries {
		detail, err := s.posts.ResolveDetail(ctx, id, e)
		if err != nil {
			log.Printf("monitor: inspect: %v", err)
			continue
		}
		if detail.PostType != normalPostType || len(detail.ImageURLs) == 0 {
			continue
		}
		if detail.PublishTimeMillis <= bestTime {
			continue
		}
		bestTime = detail.PublishTimeMillis
		best = &Inspection{
			CreatorName: id.DisplayName,
			PostID:      detail.PostID,
			Link:        detail.Link,
			Title:       detail.Title,
			Description: detail.Description,
			ImageURLs:   detail.ImageURLs,
			PublishedAt: formatPublishTime(detail.PublishTimeMillis),
		}
	}
	if best == nil {
		return nil, fmt.Errorf("monitor: no summarizable image posts found for %s", c.Ref)
	}

	fetched := s.images.Fetch(ctx, best.ImageURLs)
	images := make([]summarize.Image, len(fetched))
	for i, img := range fetched {
		images[i] = summarize.Image{MIME: img.MIME, Base64: img.Base64}
	}
	hint := truncate(joinNonEmpty(best.Title, best.Description), s.cfg.TextHintMaxLen)
	best.Summary = s.summ.Summarize(ctx, images, hint)
	return best, nil
}

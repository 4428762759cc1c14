// Package content turns a creator's feed into fully resolved posts. Listing
// is cheap; detail resolution runs a fallback chain: use the list stub when
// it already carries complete media, otherwise fetch the detail view, and on
// failure refresh the security token from the post's own page and retry once.
package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanliu/notewatch/internal/identity"
	"github.com/hanliu/notewatch/internal/xhs"
)

// FeedEntry is one entry from a creator's recent-post list.
type FeedEntry struct {
	PostID            string
	PublishTimeMillis int64 // 0 = unknown
	MediaComplete     bool
	Token             string // entry-level security token, may be empty
	stub              *xhs.Note
}

// PostDetail is a fully resolved post, handed by value to the summarizer
// and the digest formatter.
type PostDetail struct {
	PostID            string
	PublishTimeMillis int64
	PostType          string
	Title             string
	Description       string
	ImageURLs         []string
	CoverURL          string
	Link              string
}

// FetchError reports a post whose detail could not be resolved after the
// full fallback chain. Permanent means the platform rejected the post at
// the business level (deleted, restricted); the caller should mark it seen
// so it is never re-attempted. Transient failures are left unmarked and
// retried on the next tick.
type FetchError struct {
	PostID    string
	Permanent bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("content: resolving %s (%s): %v", e.PostID, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Lister is the subset of the platform client the resolver needs.
type Lister interface {
	UserPosted(ctx context.Context, userID, cursor, xsecToken, xsecSource string) ([]xhs.Note, error)
	NoteFeed(ctx context.Context, noteURL string) (*xhs.NoteCard, error)
	FetchNotePageToken(ctx context.Context, noteID string) (token, source string, err error)
}

// Resolver lists and resolves a creator's posts.
type Resolver struct {
	client Lister
}

// NewResolver creates a content resolver backed by the given platform client.
func NewResolver(client Lister) *Resolver {
	return &Resolver{client: client}
}

// ListRecent fetches the creator's recent post list in feed order.
func (r *Resolver) ListRecent(ctx context.Context, id *identity.Resolved) ([]FeedEntry, error) {
	notes, err := r.client.UserPosted(ctx, id.UserID, "", id.Token, id.TokenSource)
	if err != nil {
		return nil, fmt.Errorf("content: listing posts for %s: %w", id.UserID, err)
	}

	entries := make([]FeedEntry, 0, len(notes))
	for i := range notes {
		n := &notes[i]
		if n.NoteID == "" {
			continue
		}
		entries = append(entries, FeedEntry{
			PostID:            n.NoteID,
			PublishTimeMillis: n.PublishTime(),
			MediaComplete:     stubComplete(n),
			Token:             n.XsecToken,
			stub:              n,
		})
	}
	return entries, nil
}

// stubComplete reports whether a list entry already carries enough detail to
// skip the detail fetch: a typed card with an extractable image list.
func stubComplete(n *xhs.Note) bool {
	return n.NoteCard != nil && n.NoteCard.Type != "" && len(n.NoteCard.ImageURLs()) > 0
}

// ResolveDetail resolves one feed entry to a full post through the fallback
// chain. The returned detail always has the cover image excluded from
// ImageURLs so downstream consumers never see a duplicate of the thumbnail.
func (r *Resolver) ResolveDetail(ctx context.Context, id *identity.Resolved, e FeedEntry) (*PostDetail, error) {
	token := e.Token
	source := id.TokenSource
	if token == "" {
		token = id.Token
	}
	link := xhs.BuildNoteURL(e.PostID, token, source)

	if e.MediaComplete {
		return r.detailFromCard(e, e.stub.NoteCard, link), nil
	}

	card, err := r.client.NoteFeed(ctx, link)
	if err == nil {
		return r.detailFromCard(e, card, link), nil
	}
	firstErr := err

	freshToken, freshSource, reErr := r.client.FetchNotePageToken(ctx, e.PostID)
	if reErr != nil {
		return nil, &FetchError{PostID: e.PostID, Permanent: isPermanent(firstErr), Err: firstErr}
	}
	link = xhs.BuildNoteURL(e.PostID, freshToken, freshSource)
	card, err = r.client.NoteFeed(ctx, link)
	if err != nil {
		return nil, &FetchError{PostID: e.PostID, Permanent: isPermanent(err), Err: err}
	}
	return r.detailFromCard(e, card, link), nil
}

// isPermanent treats a business-level envelope rejection as permanent and
// everything else (network errors, timeouts) as transient.
func isPermanent(err error) bool {
	var apiErr *xhs.APIError
	return errors.As(err, &apiErr)
}

func (r *Resolver) detailFromCard(e FeedEntry, card *xhs.NoteCard, link string) *PostDetail {
	publishTime := card.Time
	if publishTime == 0 {
		publishTime = e.PublishTimeMillis
	}
	cover := card.CoverURL()
	return &PostDetail{
		PostID:            e.PostID,
		PublishTimeMillis: publishTime,
		PostType:          card.Type,
		Title:             card.Title,
		Description:       card.Desc,
		ImageURLs:         excludeCover(card.ImageURLs(), cover),
		CoverURL:          cover,
		Link:              link,
	}
}

// excludeCover drops the cover URL from the content image list.
func excludeCover(urls []string, cover string) []string {
	if cover == "" {
		return urls
	}
	out := urls[:0:0]
	for _, u := range urls {
		if u != cover {
			out = append(out, u)
		}
	}
	return out
}

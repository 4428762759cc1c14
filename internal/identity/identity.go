// Package identity resolves a creator reference (a raw platform id, a
// profile URL, or a free-text handle) to a platform user id plus the
// security token authenticated reads require.
package identity

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/hanliu/notewatch/internal/xhs"
)

// Error reports a creator that could not be resolved. Recoverable: the
// scheduler skips the creator for the current tick and retries next tick.
type Error struct {
	Ref    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: resolving %q: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("identity: resolving %q: %s", e.Ref, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolved is a creator's platform identity for one poll. Not persisted;
// tokens expire, so it is re-resolved on every tick.
type Resolved struct {
	UserID      string
	Token       string
	TokenSource string
	DisplayName string
}

// Searcher is the subset of the platform client the resolver needs.
type Searcher interface {
	SearchUsers(ctx context.Context, keyword string) ([]xhs.SearchUser, error)
	FetchProfileToken(ctx context.Context, userID string) (token, source string, err error)
}

// Resolver maps creator references to resolved identities.
type Resolver struct {
	client Searcher
}

// NewResolver creates a resolver backed by the given platform client.
func NewResolver(client Searcher) *Resolver {
	return &Resolver{client: client}
}

var profileIDRe = regexp.MustCompile(`^[0-9a-f]{24}$`)

// normalizeRef strips a profile URL down to its trailing path segment.
func normalizeRef(ref string) string {
	if i := strings.Index(ref, "xiaohongshu.com/user/profile/"); i >= 0 {
		ref = ref[i+len("xiaohongshu.com/user/profile/"):]
		ref, _, _ = strings.Cut(ref, "?")
	}
	return strings.TrimSpace(ref)
}

// Resolve turns a creator reference into a platform identity.
//
// A 24-hex reference is a direct platform id: its token comes from a profile
// page scrape and the search endpoint is never consulted. Anything else is a
// search term, retried once with the display-name hint when the first search
// comes back empty.
func (r *Resolver) Resolve(ctx context.Context, ref, displayNameHint string) (*Resolved, error) {
	raw := normalizeRef(ref)
	if raw == "" {
		return nil, &Error{Ref: ref, Reason: "empty reference"}
	}

	if profileIDRe.MatchString(raw) {
		token, source, err := r.client.FetchProfileToken(ctx, raw)
		if err != nil {
			return nil, &Error{Ref: ref, Reason: "profile token scrape failed", Err: err}
		}
		if source == "" {
			source = "pc_user"
		}
		return &Resolved{
			UserID:      raw,
			Token:       token,
			TokenSource: source,
			DisplayName: displayNameHint,
		}, nil
	}

	users, err := r.search(ctx, raw)
	if err != nil {
		return nil, &Error{Ref: ref, Reason: "search failed", Err: err}
	}
	if len(users) == 0 && displayNameHint != "" && displayNameHint != raw {
		users, err = r.search(ctx, displayNameHint)
		if err != nil {
			return nil, &Error{Ref: ref, Reason: "search by name failed", Err: err}
		}
	}
	if len(users) == 0 {
		return nil, &Error{Ref: ref, Reason: "not found"}
	}

	target := users[0]
	for _, u := range users {
		if u.RedID == raw {
			target = u
			break
		}
	}
	userID := target.EffectiveID()
	if userID == "" {
		return nil, &Error{Ref: ref, Reason: "search result missing user id"}
	}

	source := target.XsecSource
	if source == "" {
		source = "pc_search"
	}
	name := target.Name
	if name == "" {
		name = displayNameHint
	}
	return &Resolved{
		UserID:      userID,
		Token:       target.XsecToken,
		TokenSource: source,
		DisplayName: name,
	}, nil
}

func (r *Resolver) search(ctx context.Context, keyword string) ([]xhs.SearchUser, error) {
	users, err := r.client.SearchUsers(ctx, keyword)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		log.Printf("identity: no search results for %q", keyword)
	}
	return users, nil
}

package xhs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	apiBaseURL = "https://edith.xiaohongshu.com"
	webBaseURL = "https://www.xiaohongshu.com"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

// Client talks to the platform's PC web APIs. Every call carries the
// session cookie and the signature headers produced by the Signer.
type Client struct {
	// BaseURL and WebURL default to the production endpoints; tests point
	// them at local servers.
	BaseURL string
	WebURL  string
	cookie  string
	cookies map[string]string
	signer  Signer
	http    *http.Client
}

// NewClient creates a platform client. The cookie string must contain the
// a1 field; requests fail otherwise because the signature depends on it.
func NewClient(cookie string, signer Signer, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: apiBaseURL,
		WebURL:  webBaseURL,
		cookie:  cookie,
		cookies: ParseCookies(cookie),
		signer:  signer,
		http:    &http.Client{Timeout: timeout},
	}
}

// param is one query parameter. Order matters: the signature is computed
// over the exact spliced API string, so params are kept as an ordered slice.
type param struct {
	key   string
	value string
}

// spliceAPI appends query parameters to an API path without escaping,
// matching the string the web client signs.
func spliceAPI(api string, params []param) string {
	if len(params) == 0 {
		return api
	}
	var b strings.Builder
	b.WriteString(api)
	b.WriteByte('?')
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
	}
	return b.String()
}

// request executes one signed API call and decodes the response envelope.
// A success=false envelope is returned as an *APIError.
func (c *Client) request(ctx context.Context, method, api string, params []param, body any) (*Envelope, error) {
	api = spliceAPI(api, params)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("xhs: marshaling request body: %w", err)
		}
	}

	a1 := c.cookies["a1"]
	if a1 == "" {
		return nil, fmt.Errorf("xhs: cookie missing a1 field, cannot sign request")
	}
	sig, err := c.signer.Sign(ctx, method, api, payload, a1)
	if err != nil {
		return nil, fmt.Errorf("xhs: signing %s: %w", api, err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+api, reqBody)
	if err != nil {
		return nil, fmt.Errorf("xhs: creating request: %w", err)
	}
	c.setAPIHeaders(req, sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xhs: %s %s: %w", method, api, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("xhs: decoding response from %s: %w", api, err)
	}
	if !env.Success {
		return nil, &APIError{API: api, Code: env.Code, Msg: env.Msg}
	}
	return &env, nil
}

func (c *Client) setAPIHeaders(req *http.Request, sig Signature) {
	h := req.Header
	h.Set("accept", "application/json, text/plain, */*")
	h.Set("accept-language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("content-type", "application/json;charset=UTF-8")
	h.Set("origin", c.WebURL)
	h.Set("referer", c.WebURL+"/")
	h.Set("user-agent", defaultUserAgent)
	h.Set("x-b3-traceid", randomTraceID(16))
	h.Set("x-s", sig.XS)
	h.Set("x-t", sig.XT)
	h.Set("x-s-common", sig.XSCommon)
	h.Set("cookie", c.cookie)
}

// SearchUsers queries the user search endpoint.
func (c *Client) SearchUsers(ctx context.Context, keyword string) ([]SearchUser, error) {
	body := map[string]any{
		"search_user_request": map[string]any{
			"keyword":    keyword,
			"search_id":  randomTraceID(21),
			"page":       1,
			"page_size":  15,
			"biz_type":   "web_search_user",
			"request_id": randomTraceID(16),
		},
	}
	env, err := c.request(ctx, http.MethodPost, "/api/sns/web/v1/search/usersearch", nil, body)
	if err != nil {
		return nil, err
	}
	var data userSearchData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("xhs: decoding user search data: %w", err)
	}
	return data.Users, nil
}

// UserPosted fetches the most recent notes posted by a user.
func (c *Client) UserPosted(ctx context.Context, userID, cursor, xsecToken, xsecSource string) ([]Note, error) {
	if xsecSource == "" {
		xsecSource = "pc_search"
	}
	params := []param{
		{"num", "30"},
		{"cursor", cursor},
		{"user_id", userID},
		{"image_formats", "jpg,webp,avif"},
		{"xsec_token", xsecToken},
		{"xsec_source", xsecSource},
	}
	env, err := c.request(ctx, http.MethodGet, "/api/sns/web/v1/user_posted", params, nil)
	if err != nil {
		return nil, err
	}
	var data userPostedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("xhs: decoding user posted data: %w", err)
	}
	return data.Notes, nil
}

// NoteFeed fetches the detail card for a note URL. The URL must carry an
// xsec_token query parameter; the note id is its trailing path segment.
func (c *Client) NoteFeed(ctx context.Context, noteURL string) (*NoteCard, error) {
	u, err := url.Parse(noteURL)
	if err != nil {
		return nil, fmt.Errorf("xhs: parsing note url: %w", err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	noteID := segs[len(segs)-1]
	q := u.Query()
	xsecToken := q.Get("xsec_token")
	xsecSource := q.Get("xsec_source")
	if xsecSource == "" {
		xsecSource = "pc_search"
	}
	if xsecToken == "" {
		return nil, fmt.Errorf("xhs: note url missing xsec_token")
	}

	body := map[string]any{
		"source_note_id": noteID,
		"image_formats":  []string{"jpg", "webp", "avif"},
		"extra":          map[string]string{"need_body_topic": "1"},
		"xsec_source":    xsecSource,
		"xsec_token":     xsecToken,
	}
	env, err := c.request(ctx, http.MethodPost, "/api/sns/web/v1/feed", nil, body)
	if err != nil {
		return nil, err
	}
	var data noteFeedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("xhs: decoding note feed data: %w", err)
	}
	if len(data.Items) == 0 || data.Items[0].NoteCard == nil {
		return nil, fmt.Errorf("xhs: note feed returned no items for %s", noteID)
	}
	return data.Items[0].NoteCard, nil
}

// FetchProfileToken scrapes a user's profile page for an embedded security
// token. Used when the creator is referenced by a raw platform id, which the
// search endpoint cannot resolve to a token.
func (c *Client) FetchProfileToken(ctx context.Context, userID string) (token, source string, err error) {
	html, err := c.fetchPage(ctx, c.WebURL+"/user/profile/"+userID)
	if err != nil {
		return "", "", err
	}
	token, source = extractSecurityToken(html)
	if token == "" {
		return "", "", fmt.Errorf("xhs: profile page for %s has no embedded xsec_token", userID)
	}
	return token, source, nil
}

// FetchNotePageToken scrapes a note's own page for a fresh security token.
// This is the fallback when a detail fetch fails with a stale token.
func (c *Client) FetchNotePageToken(ctx context.Context, noteID string) (token, source string, err error) {
	html, err := c.fetchPage(ctx, c.WebURL+"/explore/"+noteID)
	if err != nil {
		return "", "", err
	}
	token, source = extractSecurityToken(html)
	if token == "" {
		return "", "", fmt.Errorf("xhs: note page for %s has no embedded xsec_token", noteID)
	}
	return token, source, nil
}

// fetchPage performs a browser-like GET of a web page and returns its HTML.
func (c *Client) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("xhs: creating page request: %w", err)
	}
	req.Header.Set("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("accept-language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("user-agent", defaultUserAgent)
	req.Header.Set("cookie", c.cookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("xhs: fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("xhs: fetching %s: status %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("xhs: reading %s: %w", pageURL, err)
	}
	return string(body), nil
}

var (
	xsecTokenRe  = regexp.MustCompile(`xsec_token=([^&"'\\]+)`)
	xsecSourceRe = regexp.MustCompile(`xsec_source=([^&"'\\]+)`)
)

// extractSecurityToken pulls an xsec_token (and its source tag) out of a
// page's HTML. Anchor hrefs are checked first; tokens embedded in inline
// script state are caught by the regex fallback.
func extractSecurityToken(html string) (token, source string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		doc.Find(`a[href*="xsec_token="]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			href, _ := sel.Attr("href")
			u, perr := url.Parse(href)
			if perr != nil {
				return true
			}
			q := u.Query()
			if t := q.Get("xsec_token"); t != "" {
				token = t
				source = q.Get("xsec_source")
				return false
			}
			return true
		})
	}
	if token == "" {
		if m := xsecTokenRe.FindStringSubmatch(html); m != nil {
			token = m[1]
		}
	}
	if source == "" {
		if m := xsecSourceRe.FindStringSubmatch(html); m != nil {
			source = m[1]
		}
	}
	return token, source
}

// BuildNoteURL assembles the canonical note URL carrying the security token
// the feed endpoint needs.
func BuildNoteURL(noteID, xsecToken, xsecSource string) string {
	if xsecSource == "" {
		xsecSource = "pc_search"
	}
	return fmt.Sprintf("%s/explore/%s?xsec_token=%s&xsec_source=%s", webBaseURL, noteID, xsecToken, xsecSource)
}

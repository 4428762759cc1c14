package xhs

import (
	"encoding/json"
	"fmt"
)

// Envelope is the common response shape of the platform's web APIs.
// Data stays raw until the caller decodes it into an endpoint-specific type.
type Envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a business-level rejection: the request reached the platform
// but the envelope reported success=false.
type APIError struct {
	API  string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xhs: %s returned code=%d msg=%q", e.API, e.Code, e.Msg)
}

// SearchUser is one result from the user search endpoint.
type SearchUser struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	RedID      string `json:"red_id"`
	Name       string `json:"name"`
	XsecToken  string `json:"xsec_token"`
	XsecSource string `json:"xsec_source"`
}

// EffectiveID returns the platform user id, preferring "id" over the legacy
// "user_id" field. Empty when the payload carried neither.
func (u SearchUser) EffectiveID() string {
	if u.ID != "" {
		return u.ID
	}
	return u.UserID
}

// Note is one entry from the user's posted-notes list. Most fields are
// optional in the wire payload; zero values mean "not provided".
type Note struct {
	NoteID    string    `json:"note_id"`
	Time      int64     `json:"time"` // epoch milliseconds, 0 = unknown
	XsecToken string    `json:"xsec_token"`
	NoteCard  *NoteCard `json:"note_card"`
	ImageList []Image   `json:"image_list"`
	Cover     *Image    `json:"cover"`
}

// PublishTime returns the note's publish time in epoch milliseconds,
// preferring the detail card's timestamp over the list entry's.
func (n Note) PublishTime() int64 {
	if n.NoteCard != nil && n.NoteCard.Time != 0 {
		return n.NoteCard.Time
	}
	return n.Time
}

// NoteCard is the detailed view of a note, either embedded in a list entry
// or returned by the feed endpoint.
type NoteCard struct {
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Desc      string  `json:"desc"`
	Time      int64   `json:"time"`
	ImageList []Image `json:"image_list"`
	Cover     *Image  `json:"cover"`
}

// ImageURLs returns the best URL for each image in the card, in order.
func (c *NoteCard) ImageURLs() []string {
	if c == nil {
		return nil
	}
	var urls []string
	for _, img := range c.ImageList {
		if u := img.BestURL(); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// CoverURL returns the card's cover image URL, or "" when absent.
func (c *NoteCard) CoverURL() string {
	if c == nil || c.Cover == nil {
		return ""
	}
	return c.Cover.BestURL()
}

// Image is one image reference. The wire format is loose: sometimes a plain
// URL string, sometimes an object with a quality ladder in info_list.
type Image struct {
	URL        string      `json:"url"`
	URLDefault string      `json:"url_default"`
	InfoList   []ImageInfo `json:"info_list"`
}

// ImageInfo is one rung of an image's quality ladder.
type ImageInfo struct {
	URL string `json:"url"`
}

// UnmarshalJSON accepts either an object or a bare URL string.
func (i *Image) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = Image{URL: s}
		return nil
	}
	type plain Image
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Image(p)
	return nil
}

// BestURL picks the highest-quality URL available: the last info_list entry,
// then the first, then url_default, then url.
func (i Image) BestURL() string {
	if n := len(i.InfoList); n > 0 {
		if u := i.InfoList[n-1].URL; u != "" {
			return u
		}
		if u := i.InfoList[0].URL; u != "" {
			return u
		}
	}
	if i.URLDefault != "" {
		return i.URLDefault
	}
	return i.URL
}

// userSearchData is the payload of the user search endpoint.
type userSearchData struct {
	Users []SearchUser `json:"users"`
}

// userPostedData is the payload of the posted-notes list endpoint.
type userPostedData struct {
	Notes  []Note `json:"notes"`
	Cursor string `json:"cursor"`
}

// noteFeedData is the payload of the note feed (detail) endpoint.
type noteFeedData struct {
	Items []struct {
		NoteCard *NoteCard `json:"note_card"`
	} `json:"items"`
}

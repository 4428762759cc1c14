package content

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ImageData is one downloaded image, ready for the AI backend.
type ImageData struct {
	URL    string
	MIME   string
	Base64 string
}

// ImageFetcher downloads post images and encodes them for the AI backend.
type ImageFetcher struct {
	client *http.Client
}

// NewImageFetcher creates an image fetcher with the given per-request timeout.
func NewImageFetcher(timeout time.Duration) *ImageFetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ImageFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch downloads the given image URLs in order. Individual failures are
// logged and skipped; the result preserves the order of the URLs that
// succeeded.
func (f *ImageFetcher) Fetch(ctx context.Context, urls []string) []ImageData {
	var images []ImageData
	for _, u := range urls {
		img, err := f.fetchOne(ctx, u)
		if err != nil {
			log.Printf("content: downloading image %s: %v", u, err)
			continue
		}
		images = append(images, img)
	}
	return images
}

func (f *ImageFetcher) fetchOne(ctx context.Context, url string) (ImageData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ImageData{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return ImageData{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ImageData{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ImageData{}, err
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	return ImageData{
		URL:    url,
		MIME:   mime,
		Base64: base64.StdEncoding.EncodeToString(body),
	}, nil
}

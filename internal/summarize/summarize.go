// Package summarize produces one coherent summary for a post's image set.
// When a post has more images than a single AI call accepts, the images are
// chunked and folded sequentially: each call after the first receives the
// previous call's full output as an existing summary to merge, so the caller
// always gets exactly one self-contained result.
package summarize

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Image is one image payload for the AI backend.
type Image struct {
	MIME   string
	Base64 string
}

// Completer is the AI completion backend.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, images []Image, temperature float64, maxTokens int) (string, error)
}

// DefaultPrompt is the base instruction sent with every chunk.
const DefaultPrompt = `You are looking at the images of a social media post. ` +
	`Describe what the post shows and summarize its key content in a few short paragraphs. ` +
	`Be concrete about what is visible; do not speculate beyond the images and the supplementary text.`

const mergeInstruction = `An earlier pass over this post produced the summary below. ` +
	`Merge it with what the new images show and emit one complete, self-contained summary of the whole post. ` +
	`Do not write an incremental update and do not refer to batches, passes, or what was said previously.`

// Pipeline chunks a post's images and folds them into one summary.
type Pipeline struct {
	completer   Completer
	prompt      string
	batchSize   int
	temperature float64
	maxTokens   int
}

// NewPipeline creates a summarization pipeline. An empty prompt selects
// DefaultPrompt; batchSize must be at least 1; a non-positive temperature
// selects 0.3.
func NewPipeline(completer Completer, prompt string, batchSize, maxTokens int, temperature float64) *Pipeline {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if temperature <= 0 {
		temperature = 0.3
	}
	return &Pipeline{
		completer:   completer,
		prompt:      prompt,
		batchSize:   batchSize,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// BatchSize returns the configured chunk size.
func (p *Pipeline) BatchSize() int { return p.batchSize }

// Summarize folds the images into one summary. It returns "" when there are
// no images or when every chunk's AI call failed; individual chunk failures
// are logged and their contribution dropped, carrying the last good summary
// forward.
func (p *Pipeline) Summarize(ctx context.Context, images []Image, textHint string) string {
	if len(images) == 0 {
		return ""
	}

	var carried string
	succeeded := false
	for i := 0; i < len(images); i += p.batchSize {
		end := i + p.batchSize
		if end > len(images) {
			end = len(images)
		}
		chunk := images[i:end]

		out, err := p.completer.Complete(ctx, p.prompt, p.userPrompt(textHint, carried), chunk, p.temperature, p.maxTokens)
		if err != nil {
			log.Printf("summarize: chunk %d/%d failed: %v", i/p.batchSize+1, (len(images)+p.batchSize-1)/p.batchSize, err)
			continue
		}
		carried = strings.TrimSpace(out)
		succeeded = true
	}

	if !succeeded {
		return ""
	}
	return carried
}

// userPrompt builds the per-chunk user prompt: the optional text hint from
// the post, plus the carried summary for chunks after the first success.
func (p *Pipeline) userPrompt(textHint, carried string) string {
	var b strings.Builder
	b.WriteString("Summarize the attached images of this post.")
	if textHint != "" {
		fmt.Fprintf(&b, "\n\nSupplementary text from the post:\n%s", textHint)
	}
	if carried != "" {
		fmt.Fprintf(&b, "\n\n%s\n\nExisting summary:\n%s", mergeInstruction, carried)
	}
	return b.String()
}

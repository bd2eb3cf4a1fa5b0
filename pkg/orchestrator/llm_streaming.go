package orchestrator

import (
	"context"
	"strings"
)

// StreamingLLMProvider yields a reply as a finite, non-restartable stream of
// typed ReplyChunks instead of one batch string. Implementations close the
// returned channel when the reply ends or ctx is cancelled.
type StreamingLLMProvider interface {
	Stream(ctx context.Context, messages []Message) (<-chan ReplyChunk, error)
	Name() string
}

// ChunkClassifier tags raw streamed text deltas as Text or Code by tracking
// triple-backtick fences across calls. A provider feeds it one delta at a
// time and forwards the returned chunks downstream.
type ChunkClassifier struct {
	inCode bool
	tail   string // trailing partial fence marker carried across Feed calls
}

func NewChunkClassifier() *ChunkClassifier {
	return &ChunkClassifier{}
}

// Feed classifies one delta of streamed text, splitting on fence boundaries.
func (c *ChunkClassifier) Feed(delta string) []ReplyChunk {
	text := c.tail + delta
	c.tail = ""

	var out []ReplyChunk
	for {
		idx := strings.Index(text, "```")
		if idx < 0 {
			// Hold back a potential partial fence at the very end so it
			// isn't emitted as content and then split mid-fence next call.
			if hold := partialFenceSuffixLen(text); hold > 0 {
				c.tail = text[len(text)-hold:]
				text = text[:len(text)-hold]
			}
			if text != "" {
				out = append(out, chunkOf(c.inCode, text))
			}
			return out
		}

		if idx > 0 {
			out = append(out, chunkOf(c.inCode, text[:idx]))
		}
		c.inCode = !c.inCode
		text = text[idx+3:]
	}
}

func chunkOf(inCode bool, content string) ReplyChunk {
	if inCode {
		return ReplyChunk{Kind: ChunkCode, Content: content}
	}
	return ReplyChunk{Kind: ChunkText, Content: content}
}

// partialFenceSuffixLen returns how many trailing characters of text could
// be the start of a "```" fence (0, 1, or 2 backticks), so it can be held
// back until the next Feed call resolves it.
func partialFenceSuffixLen(text string) int {
	for n := 2; n >= 1; n-- {
		if len(text) >= n && text[len(text)-n:] == strings.Repeat("`", n) {
			return n
		}
	}
	return 0
}

// BatchAsStream adapts any LLMProvider into a StreamingLLMProvider that
// emits the whole reply as a single Text chunk, mirroring the inverse
// adapter TTS providers use (Synthesize wrapping StreamSynthesize).
type BatchAsStream struct {
	llm LLMProvider
}

func NewBatchAsStream(llm LLMProvider) *BatchAsStream {
	return &BatchAsStream{llm: llm}
}

func (b *BatchAsStream) Name() string { return b.llm.Name() }

func (b *BatchAsStream) Stream(ctx context.Context, messages []Message) (<-chan ReplyChunk, error) {
	response, err := b.llm.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan ReplyChunk, 1)
	ch <- ReplyChunk{Kind: ChunkText, Content: response}
	close(ch)
	return ch, nil
}

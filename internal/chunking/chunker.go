// Package chunking splits long memory content into overlapping,
// separator-respecting pieces. The algorithm is pure and deterministic:
// it performs no I/O and depends only on its input and configuration.
package chunking

import (
	"regexp"
	"strings"
)

// Chunk is one contiguous, possibly overlapping slice of a longer text.
type Chunk struct {
	Text        string
	StartOffset int
	EndOffset   int
	Index       int
}

// Config controls the chunking strategy. Separators are tried in the
// declared order; the first one that makes progress wins.
type Config struct {
	ChunkSize         int
	ChunkOverlap      int
	MinChunkSize      int
	Separators        []string
	PreserveSentences bool
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         500,
		ChunkOverlap:      50,
		MinChunkSize:      50,
		Separators:        []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " "},
		PreserveSentences: true,
	}
}

var (
	runsOfSpaces   = regexp.MustCompile(` +`)
	runsOfNewlines = regexp.MustCompile(`\n{3,}`)
)

// Chunker splits text according to Config. It holds no mutable state and is
// safe for concurrent use.
type Chunker struct {
	cfg Config
}

// New builds a Chunker from cfg.
func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg}
}

// Chunk splits text into an ordered, densely-indexed sequence of Chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	normalized := c.normalize(text)
	chunks := c.recursiveChunk(normalized, 0)
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

func (c *Chunker) normalize(text string) string {
	text = runsOfSpaces.ReplaceAllString(text, " ")
	text = runsOfNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func (c *Chunker) recursiveChunk(text string, startOffset int) []Chunk {
	if len(text) <= c.cfg.ChunkSize {
		if len(text) >= c.cfg.MinChunkSize {
			return []Chunk{{
				Text:        strings.TrimSpace(text),
				StartOffset: startOffset,
				EndOffset:   startOffset + len(text),
			}}
		}
		return nil
	}

	for _, sep := range c.cfg.Separators {
		if strings.Contains(text, sep) {
			if chunks := c.splitBySeparator(text, sep, startOffset); chunks != nil {
				return chunks
			}
		}
	}

	return c.hardSplit(text, startOffset)
}

// splitBySeparator splits on sep, greedily packing parts into a chunk while
// the running length stays within ChunkSize, and starting the next chunk
// with an overlap tail from the end of the previous one. Parts are not split
// further: a single part longer than ChunkSize, or an overlap tail plus the
// next part, yields a chunk longer than ChunkSize. Returns nil if the split made no
// progress (a single part, or every accumulated piece below MinChunkSize).
func (c *Chunker) splitBySeparator(text, sep string, startOffset int) []Chunk {
	parts := strings.Split(text, sep)
	if len(parts) <= 1 {
		return nil
	}

	var chunks []Chunk
	current := ""
	currentStart := startOffset

	flush := func() {
		if len(strings.TrimSpace(current)) >= c.cfg.MinChunkSize {
			chunks = append(chunks, Chunk{
				Text:        strings.TrimSpace(current),
				StartOffset: currentStart,
				EndOffset:   currentStart + len(current),
			})
		}
	}

	for i, part := range parts {
		piece := part
		if i < len(parts)-1 {
			piece = part + sep
		}

		switch {
		case current == "":
			current = piece
		case len(current)+len(piece) <= c.cfg.ChunkSize:
			current += piece
		default:
			flush()
			overlap := c.overlapTail(current)
			currentStart = currentStart + len(current) - len(overlap)
			current = overlap + piece
		}
	}
	flush()

	if len(chunks) == 0 {
		return nil
	}
	return chunks
}

// hardSplit falls back to byte-boundary slicing when no separator can make
// progress (e.g. one very long unbroken token).
func (c *Chunker) hardSplit(text string, startOffset int) []Chunk {
	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.cfg.ChunkSize
		if end > len(text) {
			end = len(text)
		}
		piece := text[start:end]
		if len(strings.TrimSpace(piece)) >= c.cfg.MinChunkSize {
			chunks = append(chunks, Chunk{
				Text:        strings.TrimSpace(piece),
				StartOffset: startOffset + start,
				EndOffset:   startOffset + end,
			})
		}
		next := end - c.cfg.ChunkOverlap
		if next <= start {
			next = end // guard against zero/negative progress when overlap >= chunk size
		}
		start = next
	}
	return chunks
}

// overlapTail returns the tail of text to seed the next chunk with, bounded
// by ChunkOverlap and, when PreserveSentences is set, advanced past the
// first whitespace so the next chunk starts on a word boundary.
func (c *Chunker) overlapTail(text string) string {
	if len(text) <= c.cfg.ChunkOverlap {
		return ""
	}
	overlap := text[len(text)-c.cfg.ChunkOverlap:]
	if c.cfg.PreserveSentences {
		if idx := strings.Index(overlap, " "); idx >= 0 && idx+1 < len(overlap) {
			overlap = overlap[idx+1:]
		}
	}
	return overlap
}

// EstimateChunks computes a capacity-planning estimate without actually
// chunking the text: ceil(len(text) / (chunk_size - chunk_overlap)).
func (c *Chunker) EstimateChunks(text string) int {
	if text == "" {
		return 0
	}
	effective := c.cfg.ChunkSize - c.cfg.ChunkOverlap
	if effective <= 0 {
		effective = 1
	}
	n := (len(text) + effective - 1) / effective
	if n < 1 {
		n = 1
	}
	return n
}

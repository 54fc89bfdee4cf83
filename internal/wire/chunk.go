package wire

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// ChunkSize is the maximal number of characters in a single text chunk.
	ChunkSize = 16384
	// MaxChunks bounds the chunk count accepted from a peer.
	MaxChunks = 4096
)

// Chunk splits s into pieces of at most size characters.
// The empty string yields no chunks.
func Chunk(s string, size int) []string {
	if size <= 0 {
		panic("wire: chunk size must be positive")
	}
	if s == "" {
		return nil
	}
	chunks := make([]string, 0, utf8.RuneCountInString(s)/size+1)
	for s != "" {
		end, n := 0, 0
		for end < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[end:])
			end += w
			n++
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}

// WriteText sends s as a chunk count followed by the chunks.
func (c *Conn) WriteText(s string) error {
	chunks := Chunk(s, ChunkSize)
	if len(chunks) > MaxChunks {
		return fmt.Errorf("text too long: %d chunks, max is %d", len(chunks), MaxChunks)
	}
	if err := c.Write(len(chunks)); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := c.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// ReadText reads a text sent by WriteText.
func (c *Conn) ReadText() (string, error) {
	var n int
	if err := c.Read(&n); err != nil {
		return "", err
	}
	if n < 0 || n > MaxChunks {
		c.Invalidate(fmt.Errorf("invalid chunk count %d", n))
		return "", fmt.Errorf("invalid chunk count %d", n)
	}
	var sb strings.Builder
	for i := 0; i < n; i++ {
		var chunk string
		if err := c.Read(&chunk); err != nil {
			return "", fmt.Errorf("reading chunk %d/%d: %w", i+1, n, err)
		}
		if utf8.RuneCountInString(chunk) > ChunkSize {
			c.Invalidate(fmt.Errorf("chunk %d exceeds %d characters", i+1, ChunkSize))
			return "", fmt.Errorf("chunk %d exceeds %d characters", i+1, ChunkSize)
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

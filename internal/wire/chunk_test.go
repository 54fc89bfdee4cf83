package wire_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sjq4/agent/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	t.Parallel()
	const size = 8
	var tcs = []struct {
		scenario string
		length   int
		chunks   int
	}{
		{"empty", 0, 0},
		{"size-1", size - 1, 1},
		{"size", size, 1},
		{"size+1", size + 1, 2},
		{"3*size+5", 3*size + 5, 4},
	}
	for _, tc := range tcs {
		t.Run(tc.scenario, func(t *testing.T) {
			given := strings.Repeat("x", tc.length)
			chunks := wire.Chunk(given, size)
			require.Len(t, chunks, tc.chunks)
			for _, c := range chunks {
				require.LessOrEqual(t, utf8.RuneCountInString(c), size)
			}
			require.Equal(t, given, strings.Join(chunks, ""))
		})
	}
}

func TestChunkRunes(t *testing.T) {
	t.Parallel()
	given := strings.Repeat("žluťoučký kůň ", 3)
	chunks := wire.Chunk(given, 5)
	for _, c := range chunks {
		require.True(t, utf8.ValidString(c))
		require.LessOrEqual(t, utf8.RuneCountInString(c), 5)
	}
	require.Equal(t, given, strings.Join(chunks, ""))
}

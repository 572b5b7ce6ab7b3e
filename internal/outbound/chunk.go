package outbound

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// ChunkByLength splits text into chunks of at most limit runes,
// preferring to break on a newline, then a space, inside the tail of
// each chunk. Wide runes count by display width so CJK-heavy text stays
// under provider limits.
func ChunkByLength(text string, limit int) []string {
	if limit <= 0 || chunkWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for chunkWidth(remaining) > limit {
		cut := cutPoint(remaining, limit)
		chunks = append(chunks, strings.TrimRight(remaining[:cut], "\n"))
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// cutPoint finds the byte offset to split at: the last newline within
// the limit, else the last space, else a hard cut at the limit.
func cutPoint(s string, limit int) int {
	width := 0
	lastNewline, lastSpace, lastFit := -1, -1, 0
	for i, r := range s {
		w := runewidth.RuneWidth(r)
		if w == 0 {
			w = 1
		}
		if width+w > limit {
			break
		}
		width += w
		lastFit = i + len(string(r))
		switch r {
		case '\n':
			lastNewline = lastFit
		case ' ':
			lastSpace = lastFit
		}
	}
	if lastNewline > 0 {
		return lastNewline
	}
	if lastSpace > 0 {
		return lastSpace
	}
	if lastFit == 0 {
		return len(s) // single oversized rune, give up splitting
	}
	return lastFit
}

func chunkWidth(s string) int {
	return runewidth.StringWidth(s)
}

// ChunkMarkdown splits on line boundaries while keeping fenced code
// blocks and tables intact. A single block larger than the limit falls
// back to length chunking.
func ChunkMarkdown(text string, limit int) []string {
	if limit <= 0 || chunkWidth(text) <= limit {
		return []string{text}
	}

	blocks := markdownBlocks(text)
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}

	for _, block := range blocks {
		blockW := chunkWidth(block)
		if chunkWidth(cur.String())+blockW+1 > limit {
			flush()
		}
		if blockW > limit {
			// Oversized block: hard-split it alone.
			flush()
			chunks = append(chunks, ChunkByLength(block, limit)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(block)
	}
	flush()

	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// markdownBlocks groups lines into indivisible units: fenced code blocks
// and contiguous table rows stay together, everything else is per line.
func markdownBlocks(text string) []string {
	lines := strings.Split(text, "\n")
	var blocks []string
	var cur []string
	inFence := false
	inTable := false

	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, strings.Join(cur, "\n"))
			cur = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isFenceMarker := strings.HasPrefix(trimmed, "```")
		isTableRow := strings.HasPrefix(trimmed, "|")

		switch {
		case inFence:
			cur = append(cur, line)
			if isFenceMarker {
				inFence = false
				flush()
			}
		case isFenceMarker:
			flush()
			inTable = false
			cur = append(cur, line)
			inFence = true
		case isTableRow:
			if !inTable {
				flush()
				inTable = true
			}
			cur = append(cur, line)
		default:
			if inTable {
				flush()
				inTable = false
			}
			flush()
			blocks = append(blocks, line)
		}
	}
	flush()
	return blocks
}

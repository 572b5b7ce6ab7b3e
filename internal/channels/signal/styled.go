// Package signal connects the gateway to a signal-cli REST bridge.
// Signal has no markdown: outbound text is converted to plain text plus
// style ranges before sending.
package signal

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/msggate/internal/outbound"
)

// Style kinds understood by signal-cli.
const (
	StyleBold      = "BOLD"
	StyleItalic    = "ITALIC"
	StyleStrike    = "STRIKETHROUGH"
	StyleMonospace = "MONOSPACE"
	StyleSpoiler   = "SPOILER"
)

// Style is one formatting range over the plain text, in rune offsets.
type Style struct {
	Start  int
	Length int
	Kind   string
}

// Encode renders the signal-cli "start:length:KIND" form.
func (s Style) Encode() string {
	return fmt.Sprintf("%d:%d:%s", s.Start, s.Length, s.Kind)
}

type marker struct {
	token string
	kind  string
}

// Markers are matched longest-first so ** wins over *.
var markers = []marker{
	{"```", StyleMonospace},
	{"**", StyleBold},
	{"~~", StyleStrike},
	{"||", StyleSpoiler},
	{"`", StyleMonospace},
	{"*", StyleItalic},
	{"_", StyleItalic},
}

// ParseStyled strips inline markdown from text and returns the plain
// rendition plus style ranges. Unterminated markers are left verbatim.
func ParseStyled(text string) (string, []Style) {
	runes := []rune(text)
	var out []rune
	var styles []Style

	for i := 0; i < len(runes); {
		m, ok := markerAt(runes, i)
		if !ok {
			out = append(out, runes[i])
			i++
			continue
		}
		tokenLen := len([]rune(m.token))
		end := findClose(runes, i+tokenLen, m.token)
		if end < 0 {
			out = append(out, runes[i:i+tokenLen]...)
			i += tokenLen
			continue
		}
		inner := runes[i+tokenLen : end]
		if m.token == "```" {
			// Fenced blocks keep their inner newlines; drop a language tag.
			if nl := indexRune(inner, '\n'); nl >= 0 && isLanguageTag(inner[:nl]) {
				inner = inner[nl+1:]
			}
			inner = trimRightRunes(inner, '\n')
		}
		styles = append(styles, Style{Start: len(out), Length: len(inner), Kind: m.kind})
		out = append(out, inner...)
		i = end + tokenLen
	}
	return string(out), styles
}

func markerAt(runes []rune, i int) (marker, bool) {
	rest := string(runes[i:])
	for _, m := range markers {
		if strings.HasPrefix(rest, m.token) {
			return m, true
		}
	}
	return marker{}, false
}

func findClose(runes []rune, from int, token string) int {
	tokenRunes := []rune(token)
	for i := from; i+len(tokenRunes) <= len(runes); i++ {
		if string(runes[i:i+len(tokenRunes)]) == token {
			if i == from && token != "```" {
				return -1 // empty span, treat the marker as literal
			}
			return i
		}
	}
	return -1
}

func indexRune(runes []rune, r rune) int {
	for i, c := range runes {
		if c == r {
			return i
		}
	}
	return -1
}

func isLanguageTag(runes []rune) bool {
	for _, r := range runes {
		if r == ' ' || r == '\t' {
			return false
		}
	}
	return true
}

func trimRightRunes(runes []rune, r rune) []rune {
	for len(runes) > 0 && runes[len(runes)-1] == r {
		runes = runes[:len(runes)-1]
	}
	return runes
}

// StyledChunk is one outbound Signal message: plain text plus styles.
type StyledChunk struct {
	Text   string
	Styles []Style
}

// ChunkStyled chunks markdown with the shared markdown chunker, then
// converts each chunk to plain text plus style ranges.
func ChunkStyled(text string, limit int) []StyledChunk {
	raw := outbound.ChunkMarkdown(text, limit)
	chunks := make([]StyledChunk, 0, len(raw))
	for _, c := range raw {
		plain, styles := ParseStyled(c)
		chunks = append(chunks, StyledChunk{Text: plain, Styles: styles})
	}
	return chunks
}

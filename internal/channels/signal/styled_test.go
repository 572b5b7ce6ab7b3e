package signal

import (
	"reflect"
	"testing"
)

func TestParseStyled(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		plain  string
		styles []Style
	}{
		{
			name:   "bold",
			in:     "a **bold** word",
			plain:  "a bold word",
			styles: []Style{{Start: 2, Length: 4, Kind: StyleBold}},
		},
		{
			name:   "italic star",
			in:     "*hi* there",
			plain:  "hi there",
			styles: []Style{{Start: 0, Length: 2, Kind: StyleItalic}},
		},
		{
			name:   "strikethrough",
			in:     "~~gone~~",
			plain:  "gone",
			styles: []Style{{Start: 0, Length: 4, Kind: StyleStrike}},
		},
		{
			name:   "spoiler",
			in:     "psst ||secret||",
			plain:  "psst secret",
			styles: []Style{{Start: 5, Length: 6, Kind: StyleSpoiler}},
		},
		{
			name:   "inline code",
			in:     "run `ls -la` now",
			plain:  "run ls -la now",
			styles: []Style{{Start: 4, Length: 6, Kind: StyleMonospace}},
		},
		{
			name:   "fence drops language tag",
			in:     "```go\nfmt.Println(1)\n```",
			plain:  "fmt.Println(1)",
			styles: []Style{{Start: 0, Length: 14, Kind: StyleMonospace}},
		},
		{
			name:  "unterminated marker stays literal",
			in:    "2 ** 3 is big",
			plain: "2 ** 3 is big",
		},
		{
			name:  "plain text untouched",
			in:    "nothing to see",
			plain: "nothing to see",
		},
		{
			name:   "multiple ranges keep offsets",
			in:     "**a** and *b*",
			plain:  "a and b",
			styles: []Style{{Start: 0, Length: 1, Kind: StyleBold}, {Start: 6, Length: 1, Kind: StyleItalic}},
		},
		{
			name:   "rune offsets not byte offsets",
			in:     "héllo **wörld**",
			plain:  "héllo wörld",
			styles: []Style{{Start: 6, Length: 5, Kind: StyleBold}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plain, styles := ParseStyled(tt.in)
			if plain != tt.plain {
				t.Errorf("plain = %q, want %q", plain, tt.plain)
			}
			if !reflect.DeepEqual(styles, tt.styles) {
				t.Errorf("styles = %+v, want %+v", styles, tt.styles)
			}
		})
	}
}

func TestStyleEncode(t *testing.T) {
	got := Style{Start: 3, Length: 7, Kind: StyleBold}.Encode()
	if got != "3:7:BOLD" {
		t.Errorf("encode = %q", got)
	}
}

func TestChunkStyled(t *testing.T) {
	chunks := ChunkStyled("**a**\n\n**b**", 8)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for i, want := range []string{"a", "b"} {
		if chunks[i].Text != want {
			t.Errorf("chunk %d text = %q", i, chunks[i].Text)
		}
		if len(chunks[i].Styles) != 1 || chunks[i].Styles[0].Kind != StyleBold {
			t.Errorf("chunk %d styles = %+v", i, chunks[i].Styles)
		}
	}
}

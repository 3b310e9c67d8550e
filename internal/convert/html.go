package convert

import (
	"strings"

	"github.com/rivo/uniseg"
	"golang.org/x/net/html"
)

// maxPostBytes is the PDS record limit for post text, in UTF-8 bytes.
const maxPostBytes = 3000

// Anchor is one <a> element found while flattening HTML, in document order.
type Anchor struct {
	Text      string
	Href      string
	IsMention bool
}

// blockEnd maps elements whose close inserts a paragraph break.
var blockEnd = map[string]bool{
	"p": true, "div": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// ExtractText flattens HTML into plain text plus the anchors it contained.
// Text nodes are concatenated in document order; block elements become
// paragraph breaks and <br> becomes a newline, so facet offsets computed
// against the returned text line up with what readers see.
func ExtractText(src string) (string, []Anchor) {
	var (
		text     strings.Builder
		anchors  []Anchor
		current  *Anchor
		tokens   = html.NewTokenizer(strings.NewReader(src))
		anchorSB strings.Builder
	)

	flushBreak := func(sep string) {
		s := text.String()
		if s != "" && !strings.HasSuffix(s, sep) {
			text.WriteString(sep)
		}
	}

	for {
		switch tokens.Next() {
		case html.ErrorToken:
			return strings.TrimRight(text.String(), "\n"), anchors
		case html.TextToken:
			t := string(tokens.Text())
			text.WriteString(t)
			if current != nil {
				anchorSB.WriteString(t)
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := tokens.Token()
			switch tok.Data {
			case "br":
				flushBreak("\n")
			case "a":
				var href, class string
				for _, attr := range tok.Attr {
					switch attr.Key {
					case "href":
						href = attr.Val
					case "class":
						class = attr.Val
					}
				}
				current = &Anchor{Href: href, IsMention: isMentionClass(class)}
				anchorSB.Reset()
			}
		case html.EndTagToken:
			tok := tokens.Token()
			switch {
			case tok.Data == "a" && current != nil:
				current.Text = anchorSB.String()
				if current.Text != "" && current.Href != "" {
					anchors = append(anchors, *current)
				}
				current = nil
			case blockEnd[tok.Data]:
				flushBreak("\n\n")
			}
		}
	}
}

func isMentionClass(class string) bool {
	for _, c := range strings.Fields(class) {
		if c == "mention" {
			return true
		}
	}
	return false
}

// TruncateText caps text at maxPostBytes UTF-8 bytes, appending "..." when
// it had to cut. The cut lands on a grapheme-cluster boundary so no visible
// character is split.
func TruncateText(text string) string {
	if len(text) <= maxPostBytes {
		return text
	}
	budget := maxPostBytes - len("...")
	var (
		out   strings.Builder
		state = -1
		rest  = text
	)
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if out.Len()+len(cluster) > budget {
			break
		}
		out.WriteString(cluster)
	}
	return out.String() + "..."
}

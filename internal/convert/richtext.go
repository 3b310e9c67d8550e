package convert

import (
	gohtml "html"
	"sort"
	"strings"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
)

// FacetsToHTML renders post text and its facets as the HTML body of a Note.
// Link facets become anchors; mention facets are resolved through
// resolveMention, which returns a local actor URI or "" to drop the link
// while keeping the text. Paragraphs are split on blank lines.
func FacetsToHTML(text string, facets []*appbsky.RichtextFacet, resolveMention func(did string) string) string {
	sorted := make([]*appbsky.RichtextFacet, 0, len(facets))
	for _, f := range facets {
		if f != nil && f.Index != nil {
			sorted = append(sorted, f)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index.ByteStart < sorted[j].Index.ByteStart
	})

	var out strings.Builder
	cursor := 0
	for _, f := range sorted {
		start, end := int(f.Index.ByteStart), int(f.Index.ByteEnd)
		if start < cursor || end > len(text) || start > end {
			continue
		}
		out.WriteString(gohtml.EscapeString(text[cursor:start]))
		segment := gohtml.EscapeString(text[start:end])

		href := facetHref(f, resolveMention)
		if href != "" {
			out.WriteString(`<a href="` + gohtml.EscapeString(href) + `">` + segment + `</a>`)
		} else {
			out.WriteString(segment)
		}
		cursor = end
	}
	out.WriteString(gohtml.EscapeString(text[cursor:]))

	return paragraphs(out.String())
}

func facetHref(f *appbsky.RichtextFacet, resolveMention func(did string) string) string {
	for _, feat := range f.Features {
		switch {
		case feat.RichtextFacet_Link != nil:
			return feat.RichtextFacet_Link.Uri
		case feat.RichtextFacet_Mention != nil:
			return resolveMention(feat.RichtextFacet_Mention.Did)
		}
	}
	return ""
}

// paragraphs wraps blank-line separated blocks in <p>, turning remaining
// newlines into <br>.
func paragraphs(s string) string {
	blocks := strings.Split(s, "\n\n")
	var out strings.Builder
	for _, b := range blocks {
		b = strings.TrimRight(b, "\n")
		if b == "" {
			continue
		}
		out.WriteString("<p>")
		out.WriteString(strings.ReplaceAll(b, "\n", "<br>"))
		out.WriteString("</p>")
	}
	return out.String()
}

package blog

import (
	"fmt"
	"strings"
	"time"

	"github.com/ifuryst/postwave/internal/service/publisher"
	"github.com/ifuryst/postwave/pkg/util"
)

// Transformer renders a Jekyll post: YAML front matter followed by the Markdown body
type Transformer struct {
	// Extra front matter lines emitted verbatim, e.g. "giscus_comments: true"
	Extra []string
}

func NewTransformer(extra ...string) *Transformer {
	return &Transformer{Extra: extra}
}

func (t *Transformer) Render(title string, date time.Time, content publisher.PublishContent) string {
	var b strings.Builder
	b.WriteString(t.frontMatter(title, content.Key, date, content.Hashtags))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(strings.ReplaceAll(content.Text, "\r\n", "\n")))
	b.WriteString("\n")

	for _, u := range content.MediaURLs {
		fmt.Fprintf(&b, "\n![](%s)\n", u)
	}
	return b.String()
}

func (t *Transformer) frontMatter(title, key string, date time.Time, tags []string) string {
	lines := []string{
		"---",
		"layout: post",
		fmt.Sprintf("title: \"%s\"", util.EscapeYAML(title)),
		"date: " + date.Format("2006-01-02T15:04:05-07:00"),
	}

	switch len(tags) {
	case 0:
	case 1:
		lines = append(lines, fmt.Sprintf("tags: \"%s\"", util.EscapeYAML(tags[0])))
	default:
		lines = append(lines, "tags:")
		for _, tag := range tags {
			lines = append(lines, fmt.Sprintf("  - \"%s\"", util.EscapeYAML(tag)))
		}
	}

	if key != "" {
		lines = append(lines, keyLine(key))
	}
	lines = append(lines, t.Extra...)
	lines = append(lines, "---")
	return strings.Join(lines, "\n")
}

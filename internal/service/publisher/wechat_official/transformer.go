package wechat_official

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/ifuryst/postwave/internal/service/publisher"
)

const bodyStyle = `text-align:left;color:#3f3f3f;line-height:1.5;font-family:Optima-Regular, Optima, PingFangSC-light, 'PingFang SC', Cambria, Georgia, serif;font-size:16px;margin:10px 10px`

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Transformer renders plain text as article HTML. WeChat strips external
// links from article bodies, so URLs become numbered references.
type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

func (t *Transformer) ToHTML(content publisher.PublishContent) string {
	var links []string
	index := make(map[string]int)

	var b strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(content.Text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		para = t.replaceLinks(html.EscapeString(para), &links, index)
		para = strings.ReplaceAll(para, "\n", "<br>")
		fmt.Fprintf(&b, `<p style="%s">%s</p>`, bodyStyle, para)
	}

	for _, u := range content.MediaURLs {
		fmt.Fprintf(&b, `<p style="text-align:center"><img src="%s" style="max-width:100%%"></p>`, html.EscapeString(u))
	}

	if len(content.Hashtags) > 0 {
		tags := make([]string, len(content.Hashtags))
		for i, tag := range content.Hashtags {
			tags[i] = "#" + html.EscapeString(tag)
		}
		fmt.Fprintf(&b, `<p style="%s;color:#576b95">%s</p>`, bodyStyle, strings.Join(tags, " "))
	}

	b.WriteString(t.referencesSection(links))
	return b.String()
}

func (t *Transformer) replaceLinks(escaped string, links *[]string, index map[string]int) string {
	return linkPattern.ReplaceAllStringFunc(escaped, func(u string) string {
		n, ok := index[u]
		if !ok {
			*links = append(*links, u)
			n = len(*links)
			index[u] = n
		}
		return fmt.Sprintf(`<span style="color:#ff3502">%s<sup>[%d]</sup></span>`, u, n)
	})
}

func (t *Transformer) referencesSection(links []string) string {
	if len(links) == 0 {
		return ""
	}

	var refs strings.Builder
	fmt.Fprintf(&refs, `<h3 style="%s;font-weight:bold">References</h3>`, bodyStyle)
	for i, u := range links {
		fmt.Fprintf(&refs, `<p style="%s;font-size:14px"><code style="opacity:0.6">[%d]</code> <i>%s</i></p>`, bodyStyle, i+1, u)
	}
	return refs.String()
}

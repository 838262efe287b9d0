package substack

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ifuryst/postwave/internal/service/publisher"
)

// Document is Substack's ProseMirror document body
type Document struct {
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

type Node struct {
	Type    string         `json:"type"`
	Content []Node         `json:"content,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
	Text    string         `json:"text,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

type Transformer struct{}

func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform renders the post body as the serialized document Substack expects in draft_body
func (t *Transformer) Transform(content publisher.PublishContent) (string, error) {
	doc := t.Document(content)
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize Substack document: %w", err)
	}
	return string(b), nil
}

func (t *Transformer) Document(content publisher.PublishContent) Document {
	doc := Document{Type: "doc"}

	text := strings.ReplaceAll(content.Text, "\r\n", "\n")
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		doc.Content = append(doc.Content, t.paragraph(para))
	}

	for _, u := range content.MediaURLs {
		doc.Content = append(doc.Content, Node{
			Type: "captionedImage",
			Content: []Node{{
				Type:  "image2",
				Attrs: map[string]any{"src": u, "fullscreen": false},
			}},
		})
	}

	if len(content.Hashtags) > 0 {
		tags := make([]string, len(content.Hashtags))
		for i, tag := range content.Hashtags {
			tags[i] = "#" + tag
		}
		doc.Content = append(doc.Content, t.paragraph(strings.Join(tags, " ")))
	}

	if len(doc.Content) == 0 {
		doc.Content = []Node{{Type: "paragraph"}}
	}
	return doc
}

// paragraph keeps single newlines as hard breaks
func (t *Transformer) paragraph(text string) Node {
	node := Node{Type: "paragraph"}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			node.Content = append(node.Content, Node{Type: "hardBreak"})
		}
		if line != "" {
			node.Content = append(node.Content, Node{Type: "text", Text: line})
		}
	}
	return node
}

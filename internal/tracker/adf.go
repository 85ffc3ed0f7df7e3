package tracker

import (
	"encoding/json"
	"strings"
)

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// blockTypes end a line when rendered as plain text.
var blockTypes = map[string]bool{
	"paragraph":   true,
	"heading":     true,
	"listItem":    true,
	"codeBlock":   true,
	"blockquote":  true,
	"rule":        true,
	"tableRow":    true,
	"mediaSingle": true,
}

// DescriptionToPlainText renders a Jira rich-text field as plain text. The
// v3 API returns ADF documents; older fields may hold plain strings.
func DescriptionToPlainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Type != "doc" {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	var b strings.Builder
	for _, n := range doc.Content {
		renderADF(&b, n, "")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderADF(b *strings.Builder, n adfNode, prefix string) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "heading":
		b.WriteString("## ")
	case "bulletList", "orderedList":
		for _, item := range n.Content {
			renderADF(b, item, "- ")
		}
		return
	case "listItem":
		b.WriteString(prefix)
		for i, c := range n.Content {
			if i > 0 {
				b.WriteString(" ")
			}
			renderInline(b, c)
		}
		b.WriteString("\n")
		return
	}
	for _, c := range n.Content {
		renderADF(b, c, prefix)
	}
	if blockTypes[n.Type] {
		b.WriteString("\n")
	}
}

// renderInline flattens a list item's paragraphs onto one line.
func renderInline(b *strings.Builder, n adfNode) {
	if n.Type == "text" {
		b.WriteString(n.Text)
		return
	}
	for _, c := range n.Content {
		renderInline(b, c)
	}
}

// PlainTextToADF wraps text in an ADF document, one paragraph per line.
func PlainTextToADF(text string) json.RawMessage {
	var content []any
	for _, para := range strings.Split(text, "\n") {
		inline := []any{}
		if para != "" {
			inline = append(inline, map[string]any{"type": "text", "text": para})
		}
		content = append(content, map[string]any{"type": "paragraph", "content": inline})
	}
	data, _ := json.Marshal(map[string]any{
		"type":    "doc",
		"version": 1,
		"content": content,
	})
	return data
}

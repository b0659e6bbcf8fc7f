package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// StructuredContent is the result of structured extraction: the parts
// of a page most automation clients want without shipping raw HTML.
type StructuredContent struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Headings    []string `json:"headings,omitempty"`
	Links       []Link   `json:"links,omitempty"`
	Text        string   `json:"text,omitempty"`
}

// Link is a hyperlink with its visible text.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// ExtractStructured parses raw HTML into StructuredContent. Script and
// style content is dropped; body text is whitespace-normalized and
// truncated to maxText characters (0 means no limit).
func ExtractStructured(rawHTML string, maxText int) (*StructuredContent, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	out := &StructuredContent{}
	var text strings.Builder
	walk(doc, out, &text)

	out.Text = normalizeSpace(text.String())
	if maxText > 0 && len(out.Text) > maxText {
		out.Text = out.Text[:maxText]
	}
	return out, nil
}

// JSON renders the structured content as an indented JSON document.
func (s *StructuredContent) JSON() (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode structured content: %w", err)
	}
	return string(data), nil
}

func walk(n *html.Node, out *StructuredContent, text *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		case "title":
			if out.Title == "" {
				out.Title = normalizeSpace(nodeText(n))
			}
			return
		case "meta":
			if attr(n, "name") == "description" && out.Description == "" {
				out.Description = attr(n, "content")
			}
		case "h1", "h2", "h3", "h4", "h5", "h6":
			if h := normalizeSpace(nodeText(n)); h != "" {
				out.Headings = append(out.Headings, h)
			}
		case "a":
			if href := attr(n, "href"); href != "" {
				out.Links = append(out.Links, Link{
					Text: normalizeSpace(nodeText(n)),
					Href: href,
				})
			}
		}
	}

	if n.Type == html.TextNode {
		text.WriteString(n.Data)
		text.WriteByte(' ')
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, out, text)
	}
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

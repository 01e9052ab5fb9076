package mail

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "hr": true, "blockquote": true, "pre": true,
}

// HTMLToText renders the plain-text alternative of an HTML body: tags
// stripped, whitespace collapsed and links listed as numbered footnotes.
func HTMLToText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var (
		out   strings.Builder
		links []string
		skip  int
		href  []string // open anchors
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return strings.TrimSpace(body)
			}
			return finish(out.String(), links)
		case html.TextToken:
			if skip == 0 {
				// Text unescapes in place, so look at the raw edges first
				raw := z.Raw()
				lead := len(raw) > 0 && isSpace(raw[0])
				trail := len(raw) > 0 && isSpace(raw[len(raw)-1])
				words := strings.Join(strings.Fields(string(z.Text())), " ")
				if lead || (words == "" && trail) {
					out.WriteByte(' ')
				}
				out.WriteString(words)
				if trail && words != "" {
					out.WriteByte(' ')
				}
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch tag {
			case "script", "style", "head", "title":
				if tt == html.StartTagToken {
					skip++
				}
			case "a":
				var link string
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "href" {
						link = string(v)
					}
				}
				if tt == html.StartTagToken {
					href = append(href, link)
				}
			}
			if blockTags[tag] {
				out.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch tag {
			case "script", "style", "head", "title":
				if skip > 0 {
					skip--
				}
			case "a":
				if n := len(href); n > 0 {
					link := href[n-1]
					href = href[:n-1]
					if link != "" && !strings.HasPrefix(link, "#") && !strings.HasPrefix(strings.ToLower(link), "javascript:") {
						links = append(links, link)
						fmt.Fprintf(&out, "[%d]", len(links))
					}
				}
			}
			if blockTags[tag] {
				out.WriteByte('\n')
			}
		}
	}
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\t' || b == '\r' }

// finish trims each line and keeps at most one blank line in a row.
func finish(s string, links []string) string {
	var lines []string
	blank := true
	for _, l := range strings.Split(s, "\n") {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if !blank {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		lines = append(lines, l)
		blank = false
	}
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(links) > 0 {
		var b strings.Builder
		b.WriteString(text)
		b.WriteString("\n\n")
		for i, l := range links {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, l)
		}
		text = strings.TrimRight(b.String(), "\n")
	}
	return text
}

// Package render turns a named template and a data map into an HTML body and
// a plain-text body. It never fails: any load problem degrades to a minimal
// pair built from the "message" value.
package render

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"os"
	"regexp"
	"strings"

	nethtml "golang.org/x/net/html"
	"go.uber.org/zap"
)

// DefaultMessage is used by the fallback when data carries no message.
const DefaultMessage = "You have a new notification."

//go:embed templates/*
var embedded embed.FS

// Output holds both bodies. Fallback reports that the template could not be
// loaded and the minimal pair was returned instead.
type Output struct {
	HTML     string
	Text     string
	Fallback bool
}

// Renderer loads <name>.html and optional <name>.txt from a filesystem.
type Renderer struct {
	fsys   fs.FS
	logger *zap.Logger
}

// New creates a Renderer over fsys. A nil fsys uses the embedded templates.
func New(fsys fs.FS, logger *zap.Logger) *Renderer {
	if fsys == nil {
		sub, err := fs.Sub(embedded, "templates")
		if err != nil {
			// only fails on an invalid literal path
			panic(err)
		}
		fsys = sub
	}
	return &Renderer{fsys: fsys, logger: logger}
}

// NewFromDir creates a Renderer reading templates from dir on disk.
func NewFromDir(dir string, logger *zap.Logger) *Renderer {
	return New(os.DirFS(dir), logger)
}

// Render produces both bodies for name with every {{key}} in data replaced.
// Placeholders without a matching key are left as written.
func (r *Renderer) Render(name string, data map[string]any) (out Output) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("template render panicked, using fallback",
				zap.String("template", name),
				zap.Any("panic", rec),
			)
			out = Fallback(data)
		}
	}()

	htmlBody, err := r.load(name + ".html")
	if err != nil {
		r.logger.Warn("template load failed, using fallback",
			zap.String("template", name),
			zap.Error(err),
		)
		return Fallback(data)
	}

	textBody, err := r.load(name + ".txt")
	if err != nil {
		textBody = StripMarkup(htmlBody)
	}

	return Output{
		HTML: interpolate(htmlBody, data, html.EscapeString),
		Text: interpolate(textBody, data, nil),
	}
}

func (r *Renderer) load(file string) (string, error) {
	if !fs.ValidPath(file) || strings.Contains(file, "/") {
		return "", fmt.Errorf("invalid template name %q", file)
	}
	b, err := fs.ReadFile(r.fsys, file)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Fallback builds the minimal pair used when templates are unavailable.
func Fallback(data map[string]any) Output {
	msg := DefaultMessage
	if v, ok := data["message"]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			msg = s
		}
	}
	return Output{
		HTML:     "<p>" + html.EscapeString(msg) + "</p>",
		Text:     msg,
		Fallback: true,
	}
}

var placeholder = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// interpolate replaces placeholders in one left-to-right pass. Substituted
// values are never rescanned, so a value containing {{key}} stays literal.
func interpolate(body string, data map[string]any, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(body, func(match string) string {
		value, ok := data[match[2:len(match)-2]]
		if !ok {
			return match
		}
		s := ""
		if value != nil {
			s = fmt.Sprint(value)
		}
		if escape != nil {
			s = escape(s)
		}
		return s
	})
}

// StripMarkup extracts the visible text of an HTML document and collapses
// runs of whitespace to single spaces. Script, style and head contents are dropped.
func StripMarkup(doc string) string {
	z := nethtml.NewTokenizer(strings.NewReader(doc))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case nethtml.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case nethtml.StartTagToken:
			if hidden(z) {
				skip++
			}
			b.WriteByte(' ')
		case nethtml.EndTagToken:
			if hidden(z) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case nethtml.SelfClosingTagToken:
			b.WriteByte(' ')
		case nethtml.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func hidden(z *nethtml.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "title":
		return true
	}
	return false
}

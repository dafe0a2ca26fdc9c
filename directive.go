package gro

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"golang.org/x/text/unicode/norm"
)

// The assistant controls the runtime through inline markers of the form
// @@name(args)@@ embedded in its own prose. Markers inside fenced code
// blocks and inline backtick spans are inert and survive verbatim in the
// cleaned text; everything else is executed and replaced with a display
// glyph.

// Directive is one recognized runtime control extracted from assistant text.
type Directive struct {
	Name string   // canonical name, e.g. "learn", "ref", "thinking"
	Args []string // unquoted argument list
	Raw  string   // the full marker as it appeared, including @@
}

// ParseResult is the outcome of parsing one assistant output.
type ParseResult struct {
	// Clean is the display text: executed markers replaced with glyphs,
	// protected markers left verbatim.
	Clean string
	// Directives lists recognized markers in document order.
	Directives []Directive
	// Emotions holds observability signals from @@<emotion>:<val>@@ markers.
	// Recorded, never enforced.
	Emotions map[string]float64
}

var markerPattern = regexp.MustCompile(`@@([^@\n]{1,200}?)@@`)

// callPattern matches the name(args) directive form.
var callPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_-]*)\((.*)\)$`)

// emotionPattern matches one element of the emotion-signal form.
var emotionPattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z_-]*):(-?[0-9.]+)$`)

var directiveMarkdown = goldmark.New()

// ParseDirectives splits text into prose and protected segments, extracts
// directives from prose, and returns the cleaned display text. Applying the
// parser to already-cleaned text is a no-op.
func ParseDirectives(input string) ParseResult {
	// Normalize before matching so visually identical markers compare equal.
	src := norm.NFC.String(input)
	protected := protectedRanges(src)

	res := ParseResult{Emotions: map[string]float64{}}
	var clean strings.Builder
	last := 0

	for _, loc := range markerPattern.FindAllStringSubmatchIndex(src, -1) {
		start, stop := loc[0], loc[1]
		if overlapsProtected(protected, start, stop) {
			continue
		}
		inner := src[loc[2]:loc[3]]
		d, emotions, ok := classifyMarker(inner)
		if !ok {
			continue
		}
		clean.WriteString(src[last:start])
		if len(emotions) > 0 {
			for k, v := range emotions {
				res.Emotions[k] = v
			}
			clean.WriteString(glyphFor("emotion"))
		} else {
			d.Raw = src[start:stop]
			res.Directives = append(res.Directives, d)
			clean.WriteString(glyphFor(d.Name))
		}
		last = stop
	}
	clean.WriteString(src[last:])
	res.Clean = clean.String()
	return res
}

// byteRange is a half-open [start, stop) span of the source text.
type byteRange struct{ start, stop int }

// protectedRanges walks the markdown AST and returns the byte spans covered
// by fenced/indented code blocks and inline code spans, fence lines included.
func protectedRanges(src string) []byteRange {
	source := []byte(src)
	doc := directiveMarkdown.Parser().Parse(gmtext.NewReader(source))

	var ranges []byteRange
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			if lines.Len() == 0 {
				return ast.WalkContinue, nil
			}
			start := lines.At(0).Start
			stop := lines.At(lines.Len() - 1).Stop
			ranges = append(ranges, expandToFences(src, start, stop))
		case *ast.CodeSpan:
			for c := v.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					ranges = append(ranges, byteRange{t.Segment.Start, t.Segment.Stop})
				}
			}
		}
		return ast.WalkContinue, nil
	})

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return ranges
}

// expandToFences widens a code block's content span to cover the fence lines
// around it, so markers sharing a line with a fence stay inert too.
func expandToFences(src string, start, stop int) byteRange {
	// Opening fence is the line preceding the first content line.
	if start > 0 {
		if i := strings.LastIndexByte(src[:start-1], '\n'); i >= 0 {
			start = i + 1
		} else {
			start = 0
		}
	}
	// Closing fence is the line following the last content line (absent at EOF).
	if i := strings.IndexByte(src[stop:], '\n'); i >= 0 {
		stop += i + 1
		if j := strings.IndexByte(src[stop:], '\n'); j >= 0 {
			stop += j + 1
		} else {
			stop = len(src)
		}
	} else {
		stop = len(src)
	}
	return byteRange{start, stop}
}

func overlapsProtected(ranges []byteRange, start, stop int) bool {
	for _, r := range ranges {
		if start < r.stop && stop > r.start {
			return true
		}
	}
	return false
}

// classifyMarker interprets the text between the @@ delimiters. Returns
// either a directive, an emotion-signal map, or ok=false for content that
// only looks like a marker.
func classifyMarker(inner string) (Directive, map[string]float64, bool) {
	inner = strings.TrimSpace(inner)

	// ctrl:memory=type
	if after, ok := strings.CutPrefix(inner, "ctrl:memory="); ok {
		t := strings.TrimSpace(after)
		if t == "" {
			return Directive{}, nil, false
		}
		return Directive{Name: "memory", Args: []string{t}}, nil, true
	}

	// Bare-word forms.
	switch inner {
	case "think", "thinking-up":
		return Directive{Name: "thinking-up"}, nil, true
	case "relax", "thinking-down", "zzz":
		return Directive{Name: "thinking-down"}, nil, true
	case "sleep", "listening":
		return Directive{Name: "sleep"}, nil, true
	case "wake":
		return Directive{Name: "wake"}, nil, true
	case "compact_context", "compact-context":
		return Directive{Name: "compact-context"}, nil, true
	}

	// name(args) forms. The bare-word controls are accepted here too so the
	// call spelling of sleep or compact-context is not left dangling.
	if m := callPattern.FindStringSubmatch(inner); m != nil {
		name := m[1]
		switch name {
		case "model-change":
			name = "model"
		case "compact_context", "compact-context":
			name = "compact-context"
		case "sleep", "listening":
			name = "sleep"
		case "learn", "model", "thinking", "temperature", "top_p", "top_k",
			"ref", "unref", "importance", "max-context", "sense", "view":
		default:
			return Directive{}, nil, false
		}
		return Directive{Name: name, Args: splitArgs(m[2])}, nil, true
	}

	// Emotion signal: word:val[,word:val...]
	parts := strings.Split(inner, ",")
	emotions := map[string]float64{}
	for _, p := range parts {
		m := emotionPattern.FindStringSubmatch(strings.TrimSpace(p))
		if m == nil {
			return Directive{}, nil, false
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Directive{}, nil, false
		}
		emotions[m[1]] = v
	}
	if len(emotions) == 0 {
		return Directive{}, nil, false
	}
	return Directive{}, emotions, true
}

// splitArgs splits a directive argument list on commas and strips quotes.
// ref('id1,id2') keeps the commas inside one quoted argument intact only for
// the query form; plain comma lists become separate arguments.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	unq := unquote(s)
	if unq != s {
		// A single quoted argument; comma-separated ids inside it split too,
		// unless it is a search query (leading '?').
		if strings.HasPrefix(unq, "?") {
			return []string{unq}
		}
		s = unq
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = unquote(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Display glyphs for executed markers. Cosmetic only.
var directiveGlyphs = map[string]string{
	"learn":           "✎",
	"memory":          "⛁",
	"model":           "⇄",
	"thinking":        "∿",
	"thinking-up":     "∿",
	"thinking-down":   "∿",
	"temperature":     "≈",
	"top_p":           "≈",
	"top_k":           "≈",
	"ref":             "⚓",
	"unref":           "⌫",
	"importance":      "★",
	"max-context":     "⇲",
	"compact-context": "⇲",
	"sleep":           "…",
	"wake":            "!",
	"sense":           "◉",
	"view":            "◉",
	"emotion":         "°",
}

func glyphFor(name string) string {
	if g, ok := directiveGlyphs[name]; ok {
		return g
	}
	return "·"
}

// directivePhase fixes side-effect ordering inside a single assistant turn:
// learns first, then memory swap, thinking level, sampling, and finally the
// model switch (which takes effect the following turn).
func directivePhase(name string) int {
	switch name {
	case "learn":
		return 0
	case "memory":
		return 1
	case "thinking", "thinking-up", "thinking-down":
		return 2
	case "temperature", "top_p", "top_k":
		return 3
	case "model":
		return 4
	default:
		return 5
	}
}

// OrderDirectives stable-sorts directives into execution order.
func OrderDirectives(dirs []Directive) []Directive {
	out := make([]Directive, len(dirs))
	copy(out, dirs)
	sort.SliceStable(out, func(i, j int) bool {
		return directivePhase(out[i].Name) < directivePhase(out[j].Name)
	})
	return out
}

package virtual

import (
	"strings"

	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

// Region is one embedded foreign-language region detected inside a fragment.
type Region struct {
	// Span is the fragment-local range replaced by a placeholder in the
	// parent document. Positions inside it are silenced.
	Span lsp.Range
	// Language is the language id of the extracted code.
	Language string
	// Standalone marks a region that forms its own document occurrence;
	// non-standalone regions for one language are appended to a shared
	// document.
	Standalone bool
	// Text is the code routed to the child document. It can differ from the
	// span's raw text: a cell magic's own line is silenced but not extracted.
	Text string
	// TextStart is the fragment-local position where Text begins.
	TextStart lsp.Position
}

// Extractor detects embedded foreign regions. Implementations must be pure
// functions of their arguments; the registry memoizes on that assumption.
type Extractor interface {
	Detect(language, text string) []Region
}

// Detector is the consumer-side view of extraction, satisfied by Registry
// and by the memoizing wrapper in the service layer.
type Detector interface {
	Detect(language, text string) []Region
}

// Registry runs extractors in registration order and discards any region
// overlapping one accepted earlier. Registration order is the only tie-break.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a registry with the built-in IPython extractors.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(NewCellMagicExtractor())
	r.Register(NewLineMagicExtractor())
	return r
}

// Register appends an extractor. Earlier registrations win overlap conflicts.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// Detect runs every extractor and returns the accepted regions in document
// order.
func (r *Registry) Detect(language, text string) []Region {
	var accepted []Region
	for _, e := range r.extractors {
		for _, region := range e.Detect(language, text) {
			if overlapsAny(accepted, region.Span) {
				continue
			}
			accepted = append(accepted, region)
		}
	}
	sortRegions(accepted)
	return accepted
}

func overlapsAny(regions []Region, span lsp.Range) bool {
	for _, r := range regions {
		if r.Span.Start.Before(span.End) && span.Start.Before(r.Span.End) {
			return true
		}
	}
	return false
}

func sortRegions(regions []Region) {
	// Accepted sets are tiny; insertion sort keeps this allocation-free.
	for i := 1; i < len(regions); i++ {
		for j := i; j > 0 && regions[j].Span.Start.Before(regions[j-1].Span.Start); j-- {
			regions[j], regions[j-1] = regions[j-1], regions[j]
		}
	}
}

// defaultCellMagics maps IPython cell magic names to language ids.
var defaultCellMagics = map[string]string{
	"sql":        "sql",
	"bash":       "shellscript",
	"sh":         "shellscript",
	"html":       "html",
	"javascript": "javascript",
	"js":         "javascript",
	"R":          "r",
}

// CellMagicExtractor detects `%%name` on the first line of a python fragment
// and extracts the remainder of the fragment as the mapped language. The
// magic line itself is silenced but not extracted. Each occurrence is a
// standalone document.
type CellMagicExtractor struct {
	magics map[string]string
}

// NewCellMagicExtractor returns the extractor with the default magic table.
func NewCellMagicExtractor() *CellMagicExtractor {
	return &CellMagicExtractor{magics: defaultCellMagics}
}

// Detect implements Extractor.
func (e *CellMagicExtractor) Detect(language, text string) []Region {
	if language != "python" || !strings.HasPrefix(text, "%%") {
		return nil
	}
	lines := strings.Split(text, "\n")
	name, _, _ := strings.Cut(lines[0][2:], " ")
	target, ok := e.magics[name]
	if !ok {
		return nil
	}
	last := len(lines) - 1
	return []Region{{
		Span: lsp.Range{
			End: lsp.Position{Line: last, Character: len(lines[last])},
		},
		Language:   target,
		Standalone: true,
		Text:       strings.Join(lines[1:], "\n"),
		TextStart:  lsp.Position{Line: 1},
	}}
}

// defaultLineMagics maps IPython line magic names to language ids. Only
// magics whose argument is code in another language are listed.
var defaultLineMagics = map[string]string{
	"sql": "sql",
}

// LineMagicExtractor detects `%name rest` single-line magics in python
// fragments; the rest of the line is appended to the shared per-language
// document.
type LineMagicExtractor struct {
	magics map[string]string
}

// NewLineMagicExtractor returns the extractor with the default magic table.
func NewLineMagicExtractor() *LineMagicExtractor {
	return &LineMagicExtractor{magics: defaultLineMagics}
}

// Detect implements Extractor.
func (e *LineMagicExtractor) Detect(language, text string) []Region {
	if language != "python" {
		return nil
	}
	var regions []Region
	for i, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "%") || strings.HasPrefix(line, "%%") {
			continue
		}
		name, rest, found := strings.Cut(line[1:], " ")
		target, ok := e.magics[name]
		if !ok {
			continue
		}
		start := len(line)
		if found {
			start = len(line) - len(rest)
		} else {
			rest = ""
		}
		regions = append(regions, Region{
			Span: lsp.Range{
				Start: lsp.Position{Line: i},
				End:   lsp.Position{Line: i, Character: len(line)},
			},
			Language:  target,
			Text:      rest,
			TextStart: lsp.Position{Line: i, Character: start},
		})
	}
	return regions
}

package virtual

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

// ErrUnknownFragment is returned when an operation names a fragment id the
// document does not hold.
var ErrUnknownFragment = errors.New("unknown fragment")

// DefaultBaseDir is the directory component of virtual document URIs when the
// operator does not configure one.
const DefaultBaseDir = ".virtual_documents"

// Options configure a root virtual document.
type Options struct {
	// BaseDir is the directory under which virtual URIs live. Defaults to
	// DefaultBaseDir.
	BaseDir string
	// HostID identifies the notebook (or other host surface) the document
	// serves. Part of the URI.
	HostID string
	// Language is the document's language id, e.g. "python".
	Language string
	// Detector finds embedded foreign regions. May be nil, in which case no
	// extraction happens.
	Detector Detector
}

// builtFragment is a fragment plus everything derived during construction.
type builtFragment struct {
	Fragment
	virtualLine int         // first virtual line of this fragment
	lines       []string    // fragment text with foreign regions blanked out
	silenced    []lsp.Range // fragment-local spans excluded from this document's view
	regions     []Region    // detected foreign regions, in document order
}

// Document is one synthetic contiguous text per (language, nesting chain),
// assembled from an ordered fragment list. A document is mutated only by its
// host's single handler goroutine; it performs no locking of its own.
type Document struct {
	uri       string
	hostID    string
	language  string
	parentURI string
	baseDir   string
	chain     []string
	detector  Detector

	fragments []*builtFragment
	text      string
	version   int
	fullSync  bool

	children map[string]*Document // keyed by child URI
}

// NewDocument creates an empty root virtual document.
func NewDocument(opts Options) *Document {
	if opts.BaseDir == "" {
		opts.BaseDir = DefaultBaseDir
	}
	chain := []string{opts.Language}
	return &Document{
		uri:      documentURI(opts.BaseDir, opts.HostID, chain),
		hostID:   opts.HostID,
		language: opts.Language,
		baseDir:  opts.BaseDir,
		chain:    chain,
		detector: opts.Detector,
		version:  1,
		children: map[string]*Document{},
	}
}

func documentURI(baseDir, hostID string, chain []string) string {
	return "file://" + path.Join("/", baseDir, hostID, strings.Join(chain, "-"))
}

// URI returns the document's synthetic identifier, stable per
// (host, language, nesting chain).
func (d *Document) URI() string { return d.uri }

// Language returns the document's language id.
func (d *Document) Language() string { return d.language }

// HostID returns the id of the host surface the document serves.
func (d *Document) HostID() string { return d.hostID }

// ParentURI returns the URI of the document this one was extracted from, or
// "" for a root document. It is a lookup key, not an owning reference.
func (d *Document) ParentURI() string { return d.parentURI }

// Text returns the current synthetic text.
func (d *Document) Text() string { return d.text }

// Version increases on every text-affecting operation, as required by
// textDocument/didChange.
func (d *Document) Version() int { return d.version }

// LineCount reports the number of lines in the synthetic text.
func (d *Document) LineCount() int { return strings.Count(d.text, "\n") + 1 }

// NeedsFullSync reports whether the last operation was structural, requiring
// a full didOpen/didChange resend rather than an incremental range edit.
func (d *Document) NeedsFullSync() bool { return d.fullSync }

// MarkSynced clears the full-sync flag after the caller has resent the text.
func (d *Document) MarkSynced() { d.fullSync = false }

// Children returns the foreign documents extracted from this one, keyed by
// their URI. The returned map is the live one; callers must not mutate it.
func (d *Document) Children() map[string]*Document { return d.children }

// Walk visits the document and every descendant, parents before children.
func (d *Document) Walk(fn func(*Document)) {
	fn(d)
	// Deterministic order keeps event emission stable.
	uris := make([]string, 0, len(d.children))
	for uri := range d.children {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		d.children[uri].Walk(fn)
	}
}

// AddFragment appends a fragment and rebuilds. Structural: flags full sync.
func (d *Document) AddFragment(f Fragment) {
	d.fragments = append(d.fragments, &builtFragment{Fragment: f})
	d.rebuildFrom(len(d.fragments) - 1)
	d.version++
	d.fullSync = true
}

// RemoveFragment deletes the fragment with the given id and rebuilds.
// Structural: flags full sync.
func (d *Document) RemoveFragment(id string) error {
	idx := d.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownFragment, id)
	}
	d.fragments = append(d.fragments[:idx], d.fragments[idx+1:]...)
	d.rebuildFrom(idx)
	d.version++
	d.fullSync = true
	return nil
}

// UpdateFragment replaces one fragment's text in place. Only the edited
// fragment's span and the shifts of subsequent fragments change; the version
// still bumps, but no full sync is forced.
func (d *Document) UpdateFragment(id, text string) error {
	idx := d.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownFragment, id)
	}
	d.fragments[idx].Text = text
	d.rebuildFrom(idx)
	d.version++
	return nil
}

// Reorder replaces the fragment order with the given id sequence, which must
// be a permutation of the current ids. Structural: flags full sync.
func (d *Document) Reorder(ids []string) error {
	if len(ids) != len(d.fragments) {
		return fmt.Errorf("%w: order names %d fragments, document holds %d",
			ErrUnknownFragment, len(ids), len(d.fragments))
	}
	reordered := make([]*builtFragment, 0, len(ids))
	for _, id := range ids {
		idx := d.indexOf(id)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownFragment, id)
		}
		reordered = append(reordered, d.fragments[idx])
	}
	d.fragments = reordered
	d.rebuildFrom(0)
	d.version++
	d.fullSync = true
	return nil
}

func (d *Document) indexOf(id string) int {
	for i, bf := range d.fragments {
		if bf.ID == id {
			return i
		}
	}
	return -1
}

// VirtualToPhysical maps a position in the synthetic text back to the owning
// fragment. Separator lines, positions past the end, and positions inside
// silenced (foreign) spans map to nothing.
func (d *Document) VirtualToPhysical(pos lsp.Position) (string, lsp.Position, bool) {
	bf := d.fragmentAtLine(pos.Line)
	if bf == nil {
		return "", lsp.Position{}, false
	}
	local := lsp.Position{Line: pos.Line - bf.virtualLine, Character: pos.Character}
	if silencedAt(bf.silenced, local) {
		return "", lsp.Position{}, false
	}
	phys := lsp.Position{Line: bf.SourceOffset.Line + local.Line, Character: local.Character}
	if local.Line == 0 {
		phys.Character += bf.SourceOffset.Character
	}
	return bf.ID, phys, true
}

// PhysicalToVirtual maps a position inside the named fragment to its virtual
// position. Positions inside silenced spans, or outside the fragment's
// extent, map to nothing.
func (d *Document) PhysicalToVirtual(fragmentID string, pos lsp.Position) (lsp.Position, bool) {
	// A cell can contribute several derived fragments to one child document,
	// all carrying the cell's id; pick the one whose extent covers pos.
	for _, bf := range d.fragments {
		if bf.ID != fragmentID {
			continue
		}
		local := lsp.Position{Line: pos.Line - bf.SourceOffset.Line, Character: pos.Character}
		if local.Line == 0 {
			local.Character -= bf.SourceOffset.Character
		}
		if local.Line < 0 || local.Line >= len(bf.lines) || local.Character < 0 {
			continue
		}
		if silencedAt(bf.silenced, local) {
			continue
		}
		return lsp.Position{Line: bf.virtualLine + local.Line, Character: local.Character}, true
	}
	return lsp.Position{}, false
}

func (d *Document) fragmentAtLine(line int) *builtFragment {
	for _, bf := range d.fragments {
		if line < bf.virtualLine {
			return nil // separator line
		}
		if line < bf.virtualLine+len(bf.lines) {
			return bf
		}
	}
	return nil
}

func silencedAt(spans []lsp.Range, pos lsp.Position) bool {
	for _, s := range spans {
		if s.Contains(pos) {
			return true
		}
	}
	return false
}

// rebuildFrom recomputes built state for fragments[from:], reassembles the
// text, and reconciles child documents. Fragments before from keep their
// extraction and shifts untouched.
func (d *Document) rebuildFrom(from int) {
	line := 0
	if from > 0 {
		prev := d.fragments[from-1]
		line = prev.virtualLine + len(prev.lines) + 1
	}
	for _, bf := range d.fragments[from:] {
		var regions []Region
		if d.detector != nil {
			regions = d.detector.Detect(bf.Language, bf.Text)
		}
		bf.lines, bf.silenced = substitute(bf.Text, regions)
		bf.regions = regions
		bf.virtualLine = line
		line += len(bf.lines) + 1
	}

	var b strings.Builder
	for i, bf := range d.fragments {
		if i > 0 {
			b.WriteString(FragmentSeparator)
		}
		for j, l := range bf.lines {
			if j > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(l)
		}
	}
	d.text = b.String()

	d.reconcileChildren()
}

// reconcileChildren rebuilds the foreign document set from the current
// fragments' regions: standalone regions each get their own occurrence,
// non-standalone regions for one language share a document. Existing children
// are kept (stable URIs) and re-fed; children no longer produced are dropped.
func (d *Document) reconcileChildren() {
	type accum struct {
		chain []string
		frags []Fragment
	}
	var order []string
	byKey := map[string]*accum{}
	standaloneSeq := map[string]int{}

	for _, bf := range d.fragments {
		for _, r := range bf.regions {
			derived := Fragment{
				ID:       bf.ID,
				Language: r.Language,
				Text:     r.Text,
				SourceOffset: lsp.Position{
					Line:      bf.SourceOffset.Line + r.TextStart.Line,
					Character: r.TextStart.Character,
				},
			}
			if r.TextStart.Line == 0 {
				derived.SourceOffset.Character += bf.SourceOffset.Character
			}

			var elem string
			if r.Standalone {
				standaloneSeq[r.Language]++
				elem = fmt.Sprintf("%s.%d", r.Language, standaloneSeq[r.Language])
			} else {
				elem = r.Language
			}
			chain := append(append([]string{}, d.chain...), elem)
			key := documentURI(d.baseDir, d.hostID, chain)
			a, ok := byKey[key]
			if !ok {
				a = &accum{chain: chain}
				byKey[key] = a
				order = append(order, key)
			}
			a.frags = append(a.frags, derived)
		}
	}

	for _, uri := range order {
		a := byKey[uri]
		child, ok := d.children[uri]
		if !ok {
			child = &Document{
				uri:       uri,
				hostID:    d.hostID,
				language:  a.chain[len(a.chain)-1],
				parentURI: d.uri,
				baseDir:   d.baseDir,
				chain:     a.chain,
				detector:  d.detector,
				version:   1,
				children:  map[string]*Document{},
			}
			// Standalone occurrences keep the sequence suffix out of the
			// language id.
			if i := strings.IndexByte(child.language, '.'); i >= 0 {
				child.language = child.language[:i]
			}
			d.children[uri] = child
		}
		child.replaceFragments(a.frags)
	}
	for uri := range d.children {
		if _, ok := byKey[uri]; !ok {
			delete(d.children, uri)
		}
	}
}

// replaceFragments swaps in a freshly derived fragment list. Children are
// always resynced in full; the version only bumps when the text changed.
func (d *Document) replaceFragments(frags []Fragment) {
	before := d.text
	d.fragments = d.fragments[:0]
	for _, f := range frags {
		d.fragments = append(d.fragments, &builtFragment{Fragment: f})
	}
	d.rebuildFrom(0)
	if d.text != before {
		d.version++
		d.fullSync = true
	}
}

// substitute blanks foreign regions out of the fragment text, preserving the
// line count so parent line numbers survive. Host text around the region is
// kept: the prefix of the first line (line magics start mid-line), and any
// suffix after the exclusive end, padded so its columns stay physical.
func substitute(text string, regions []Region) ([]string, []lsp.Range) {
	lines := strings.Split(text, "\n")
	if len(regions) == 0 {
		return lines, nil
	}
	silenced := make([]lsp.Range, 0, len(regions))
	for _, r := range regions {
		span := r.Span
		if span.Start.Line >= len(lines) {
			continue
		}
		prefix := lines[span.Start.Line]
		if span.Start.Character < len(prefix) {
			prefix = prefix[:span.Start.Character]
		}
		endLine := span.End.Line
		if endLine >= len(lines) {
			endLine = len(lines) - 1
		}
		var suffix string
		if endLine == span.End.Line && span.End.Character < len(lines[endLine]) {
			suffix = lines[endLine][span.End.Character:]
		}

		if span.Start.Line == endLine {
			pad := span.End.Character - len(prefix)
			if pad < 0 {
				pad = 0
			}
			if suffix == "" {
				lines[endLine] = prefix
			} else {
				lines[endLine] = prefix + strings.Repeat(" ", pad) + suffix
			}
			silenced = append(silenced, span)
			continue
		}

		lines[span.Start.Line] = prefix
		for l := span.Start.Line + 1; l < endLine; l++ {
			lines[l] = ""
		}
		if suffix == "" {
			lines[endLine] = ""
		} else {
			lines[endLine] = strings.Repeat(" ", span.End.Character) + suffix
		}
		silenced = append(silenced, span)
	}
	return lines, silenced
}

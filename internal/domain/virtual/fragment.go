// Package virtual assembles synthetic contiguous documents out of
// discontiguous notebook cell fragments so that ordinary single-file language
// servers can analyze them. It owns the bidirectional mapping between virtual
// positions (inside the synthetic text) and physical positions (inside the
// cell that supplied the text), and the extraction of embedded foreign
// language regions into child documents.
package virtual

import (
	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

// FragmentSeparator joins consecutive fragments in a virtual document. It
// contributes exactly one blank virtual line, which maps to no physical
// position.
const FragmentSeparator = "\n\n"

// Fragment is one physically editable unit of source contributing text to a
// virtual document: a notebook cell, or a foreign region carved out of one.
type Fragment struct {
	// ID is stable across edits of unrelated fragments. Fragments derived
	// from a foreign region carry the id of the cell they were carved from,
	// so physical positions always name a real editor surface.
	ID       string
	Language string
	Text     string

	// SourceOffset is where the fragment's text begins inside its owning
	// editor surface. The character offset applies to the first line only:
	// line magics start mid-line, every other line starts at column 0.
	SourceOffset lsp.Position
}

package service

import (
	"regexp"
	"testing"

	"github.com/cellbridge/cellbridge/internal/domain/lsp"
	"github.com/cellbridge/cellbridge/internal/domain/virtual"
)

func diag(sl, sc, el, ec int, severity lsp.DiagnosticSeverity, code, message string) lsp.Diagnostic {
	return lsp.Diagnostic{
		Range: lsp.Range{
			Start: lsp.Position{Line: sl, Character: sc},
			End:   lsp.Position{Line: el, Character: ec},
		},
		Severity: severity,
		Code:     code,
		Message:  message,
	}
}

// twoCellStore builds a host with two python cells:
//
//	c1: "x = 1"            (virtual line 0)
//	c2: "y = undefined"    (virtual line 2)
func twoCellStore(t *testing.T) (*DocumentStore, string) {
	t.Helper()
	store := NewDocumentStore("", virtual.NewRegistry())
	doc := store.OpenHost("nb", "python")
	if _, err := store.AddCell("nb", virtual.Fragment{ID: "c1", Language: "python", Text: "x = 1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddCell("nb", virtual.Fragment{ID: "c2", Language: "python", Text: "y = undefined"}); err != nil {
		t.Fatal(err)
	}
	return store, doc.URI()
}

func newRouter(t *testing.T, cfg RouterConfig, store *DocumentStore) *DiagnosticsRouter {
	t.Helper()
	return NewDiagnosticsRouter(cfg, store, nil, nil, nil, testLogger())
}

func TestRouteTranslatesToCells(t *testing.T) {
	store, uri := twoCellStore(t)
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		diag(0, 0, 0, 1, lsp.SeverityError, "", "first cell"),
		diag(2, 4, 2, 13, lsp.SeverityWarning, "", "second cell"),
	}})

	recs := r.Diagnostics("nb")
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].CellID != "c1" || recs[0].Range.Start.Line != 0 {
		t.Errorf("rec[0] = %+v", recs[0])
	}
	if recs[1].CellID != "c2" || recs[1].Range.Start != (lsp.Position{Line: 0, Character: 4}) {
		t.Errorf("rec[1] = %+v", recs[1])
	}
}

func TestMergeColocatedDiagnostics(t *testing.T) {
	store, uri := twoCellStore(t)
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		diag(0, 0, 0, 5, lsp.SeverityWarning, "", "first opinion"),
		diag(0, 0, 0, 5, lsp.SeverityError, "", "second opinion"),
	}})

	markers := r.Markers("nb")
	if len(markers) != 1 {
		t.Fatalf("markers = %d, want 1 merged", len(markers))
	}
	if markers[0].Message != "first opinion\nsecond opinion" {
		t.Errorf("merged message = %q", markers[0].Message)
	}
	if markers[0].Severity != lsp.SeverityError {
		t.Errorf("merged severity = %v, want most severe", markers[0].Severity)
	}
	// Both originals survive for the panel.
	if len(r.Diagnostics("nb")) != 2 {
		t.Errorf("records = %d", len(r.Diagnostics("nb")))
	}
}

func TestCodeStripping(t *testing.T) {
	store, uri := twoCellStore(t)
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		diag(0, 0, 0, 1, lsp.SeverityError, "E999", "E999 invalid syntax"),
		// No code: the leading word stays even though it looks like one.
		diag(2, 0, 2, 1, lsp.SeverityError, "", "undefined name y"),
		// Code that does not match the leading token stays untouched.
		diag(2, 4, 2, 5, lsp.SeverityError, "F821", "name may be undefined"),
	}})

	recs := r.Diagnostics("nb")
	if len(recs) != 3 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Message != "invalid syntax" {
		t.Errorf("stripped = %q", recs[0].Message)
	}
	if recs[1].Message != "undefined name y" {
		t.Errorf("codeless message changed: %q", recs[1].Message)
	}
	if recs[2].Message != "name may be undefined" {
		t.Errorf("non-matching code stripped: %q", recs[2].Message)
	}
}

func TestIgnoreFilters(t *testing.T) {
	store, uri := twoCellStore(t)

	t.Run("codes", func(t *testing.T) {
		r := newRouter(t, RouterConfig{
			IgnoreCodes: map[string]struct{}{"W001": {}},
		}, store)
		r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
			diag(0, 0, 0, 1, lsp.SeverityError, "E001", "kept"),
			diag(2, 0, 2, 1, lsp.SeverityError, "W001", "dropped"),
		}})
		markers := r.Markers("nb")
		if len(markers) != 1 || markers[0].Message != "kept" {
			t.Fatalf("markers = %+v", markers)
		}
	})

	t.Run("severities", func(t *testing.T) {
		r := newRouter(t, RouterConfig{
			IgnoreSeverities: map[lsp.DiagnosticSeverity]struct{}{lsp.SeverityWarning: {}},
		}, store)
		r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
			diag(0, 0, 0, 1, lsp.SeverityWarning, "E001", "dropped regardless of code"),
			diag(2, 0, 2, 1, lsp.SeverityError, "", "kept"),
		}})
		markers := r.Markers("nb")
		if len(markers) != 1 || markers[0].Message != "kept" {
			t.Fatalf("markers = %+v", markers)
		}
	})

	t.Run("patterns", func(t *testing.T) {
		r := newRouter(t, RouterConfig{
			IgnorePatterns: []*regexp.Regexp{regexp.MustCompile(`Undefined symbol "\w+"`)},
		}, store)
		r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
			diag(0, 0, 0, 1, lsp.SeverityError, "", `Undefined symbol "aa"`),
			diag(2, 0, 2, 1, lsp.SeverityWarning, "", "Trimming whitespace"),
		}})
		markers := r.Markers("nb")
		if len(markers) != 1 || markers[0].Message != "Trimming whitespace" {
			t.Fatalf("markers = %+v", markers)
		}
	})
}

func TestDefaultSeverityApplied(t *testing.T) {
	store, uri := twoCellStore(t)
	r := newRouter(t, RouterConfig{DefaultSeverity: lsp.SeverityInformation}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		diag(0, 0, 0, 1, 0, "", "no severity from server"),
	}})

	recs := r.Diagnostics("nb")
	if len(recs) != 1 || recs[0].Severity != lsp.SeverityInformation {
		t.Fatalf("records = %+v", recs)
	}
}

func TestMalformedRangeDroppedBatchContinues(t *testing.T) {
	store, uri := twoCellStore(t)
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		{Range: lsp.Range{Start: lsp.Position{Line: 5}, End: lsp.Position{Line: 2}}, Message: "inverted"},
		diag(99, 0, 99, 1, lsp.SeverityError, "", "beyond the document"),
		diag(0, 0, 0, 1, lsp.SeverityError, "", "valid"),
	}})

	recs := r.Diagnostics("nb")
	if len(recs) != 1 || recs[0].Message != "valid" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestUnknownDocumentDroppedSilently(t *testing.T) {
	store, _ := twoCellStore(t)
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{
		URI:         "file:///.virtual_documents/gone/python",
		Diagnostics: []lsp.Diagnostic{diag(0, 0, 0, 1, lsp.SeverityError, "", "late")},
	})
	if len(r.Diagnostics("gone")) != 0 {
		t.Fatal("stale publish stored")
	}
}

func TestPublishReplacesWholesale(t *testing.T) {
	store, uri := twoCellStore(t)
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		diag(0, 0, 0, 1, lsp.SeverityError, "", "old"),
	}})
	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: []lsp.Diagnostic{
		diag(2, 0, 2, 1, lsp.SeverityError, "", "new"),
	}})

	recs := r.Diagnostics("nb")
	if len(recs) != 1 || recs[0].Message != "new" {
		t.Fatalf("records = %+v", recs)
	}

	// An empty publish clears the set, per LSP semantics.
	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: uri})
	if len(r.Diagnostics("nb")) != 0 {
		t.Fatal("empty publish did not clear")
	}
}

// Two servers publish into the same notebook against different virtual URIs.
// Each publish replaces only its own URI's set; the other server's
// diagnostics survive.
func TestPublishesFromDistinctDocumentsCoexist(t *testing.T) {
	store := NewDocumentStore("", virtual.NewRegistry())
	doc := store.OpenHost("nb", "python")
	if _, err := store.AddCell("nb", virtual.Fragment{ID: "c1", Language: "python", Text: "x = undefined"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddCell("nb", virtual.Fragment{ID: "c2", Language: "python", Text: "%%sql\nselect * from t"}); err != nil {
		t.Fatal(err)
	}
	var childURI string
	for uri := range doc.Children() {
		childURI = uri
	}
	if childURI == "" {
		t.Fatal("no child document")
	}
	r := newRouter(t, RouterConfig{}, store)

	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: doc.URI(), Diagnostics: []lsp.Diagnostic{
		diag(0, 4, 0, 13, lsp.SeverityError, "", "undefined name"),
	}})
	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: childURI, Diagnostics: []lsp.Diagnostic{
		diag(0, 0, 0, 6, lsp.SeverityWarning, "", "table t does not exist"),
	}})

	recs := r.Diagnostics("nb")
	if len(recs) != 2 {
		t.Fatalf("records = %+v, want both servers' diagnostics", recs)
	}
	seen := map[string]bool{}
	for _, rec := range recs {
		seen[rec.Message] = true
	}
	if !seen["undefined name"] || !seen["table t does not exist"] {
		t.Fatalf("records = %+v", recs)
	}
	if len(r.Markers("nb")) != 2 {
		t.Fatalf("markers = %+v", r.Markers("nb"))
	}

	// An empty publish on the child clears only the child's set.
	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: childURI})
	recs = r.Diagnostics("nb")
	if len(recs) != 1 || recs[0].Message != "undefined name" {
		t.Fatalf("records after child clear = %+v", recs)
	}
}

// Isolation law: a diagnostic published against the foreign child document
// surfaces on the host cell's foreign sub-range, and diagnostics on the
// parent never leak into the silenced span.
func TestForeignDocumentIsolation(t *testing.T) {
	store := NewDocumentStore("", virtual.NewRegistry())
	doc := store.OpenHost("nb", "python")
	if _, err := store.AddCell("nb", virtual.Fragment{ID: "c1", Language: "python", Text: "x = 1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddCell("nb", virtual.Fragment{ID: "c2", Language: "python", Text: "%%sql\nselect * from t"}); err != nil {
		t.Fatal(err)
	}
	var childURI string
	for uri := range doc.Children() {
		childURI = uri
	}
	if childURI == "" {
		t.Fatal("no child document")
	}
	r := newRouter(t, RouterConfig{}, store)

	// Child diagnostic at virtual (0,9) = "from" in "select * from t".
	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: childURI, Diagnostics: []lsp.Diagnostic{
		diag(0, 9, 0, 13, lsp.SeverityError, "", "syntax error near from"),
	}})
	recs := r.Diagnostics("nb")
	if len(recs) != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].CellID != "c2" {
		t.Errorf("cell = %q, want c2", recs[0].CellID)
	}
	// Line 1 of the cell: below the silenced magic line.
	if recs[0].Range.Start != (lsp.Position{Line: 1, Character: 9}) {
		t.Errorf("range = %+v", recs[0].Range)
	}

	// A parent diagnostic aimed into the silenced span is dropped: it
	// belongs to the child document's language, not python.
	r.HandlePublish(lsp.PublishDiagnosticsParams{URI: doc.URI(), Diagnostics: []lsp.Diagnostic{
		diag(3, 0, 3, 1, lsp.SeverityError, "", "leaked"),
	}})
	for _, rec := range r.Diagnostics("nb") {
		if rec.Message == "leaked" {
			t.Fatal("parent diagnostic leaked into silenced span")
		}
	}
}

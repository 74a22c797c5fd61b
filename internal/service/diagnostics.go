package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cellbridge/cellbridge/internal/adapter/otel"
	"github.com/cellbridge/cellbridge/internal/domain/lsp"
	"github.com/cellbridge/cellbridge/internal/domain/virtual"
	"github.com/cellbridge/cellbridge/internal/port/broadcast"
	"github.com/cellbridge/cellbridge/internal/port/eventbus"
)

// DocumentResolver maps a virtual document URI to the live document.
// Satisfied by *DocumentStore.
type DocumentResolver interface {
	Resolve(uri string) (*virtual.Document, bool)
}

// RouterConfig is the filter surface applied to every published batch.
type RouterConfig struct {
	IgnoreCodes      map[string]struct{}
	IgnoreSeverities map[lsp.DiagnosticSeverity]struct{}
	IgnorePatterns   []*regexp.Regexp
	DefaultSeverity  lsp.DiagnosticSeverity
}

// CellDiagnostic is one kept record, anchored to a physical cell. Every
// record survives for panel listing even when markers merge.
type CellDiagnostic struct {
	CellID   string                 `json:"cell_id"`
	Range    lsp.Range              `json:"range"`
	Severity lsp.DiagnosticSeverity `json:"severity"`
	Code     string                 `json:"code,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Message  string                 `json:"message"`
}

// Marker is one rendered editor marker: co-located diagnostics merged, most
// severe severity kept.
type Marker struct {
	CellID   string                 `json:"cell_id"`
	Range    lsp.Range              `json:"range"`
	Severity lsp.DiagnosticSeverity `json:"severity"`
	Message  string                 `json:"message"`
}

// docDiagnostics is the stored state for one published virtual URI.
type docDiagnostics struct {
	applied uint64 // publish sequence already applied
	records []CellDiagnostic
}

// hostDiagnostics groups the per-URI diagnostic sets contributing to one host
// document. Each language server publishes against its own virtual URI, so a
// publish replaces only that URI's set; the root document and every derived
// child keep their diagnostics side by side.
type hostDiagnostics struct {
	docs map[string]*docDiagnostics
}

// allRecords concatenates every URI's records in stable URI order. Caller
// holds the router lock.
func (h *hostDiagnostics) allRecords() []CellDiagnostic {
	uris := make([]string, 0, len(h.docs))
	for uri := range h.docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	var out []CellDiagnostic
	for _, uri := range uris {
		out = append(out, h.docs[uri].records...)
	}
	return out
}

// DiagnosticsRouter consumes publishDiagnostics batches for virtual
// documents and redistributes them onto physical cells.
type DiagnosticsRouter struct {
	cfg      RouterConfig
	resolver DocumentResolver
	hub      broadcast.Broadcaster
	bus      eventbus.Bus // may be nil
	metrics  *otel.Metrics
	log      *slog.Logger

	mu    sync.Mutex
	seq   map[string]uint64 // per-URI publish sequence allocator
	hosts map[string]*hostDiagnostics
}

// NewDiagnosticsRouter creates the router. hub, bus, and metrics may be nil.
func NewDiagnosticsRouter(cfg RouterConfig, resolver DocumentResolver, hub broadcast.Broadcaster,
	bus eventbus.Bus, metrics *otel.Metrics, log *slog.Logger) *DiagnosticsRouter {
	if cfg.DefaultSeverity == 0 {
		cfg.DefaultSeverity = lsp.SeverityWarning
	}
	return &DiagnosticsRouter{
		cfg:      cfg,
		resolver: resolver,
		hub:      hub,
		bus:      bus,
		metrics:  metrics,
		log:      log,
		seq:      map[string]uint64{},
		hosts:    map[string]*hostDiagnostics{},
	}
}

// HandlePublish implements DiagnosticsSink. The batch replaces the stored
// set for the published URI wholesale; a stale publish that lost the race to
// a newer one on the same URI is dropped.
func (r *DiagnosticsRouter) HandlePublish(params lsp.PublishDiagnosticsParams) {
	ctx := context.Background()

	doc, ok := r.resolver.Resolve(params.URI)
	if !ok {
		// Stale publish for a document that was just replaced or disposed.
		r.log.Debug("diagnostics for unknown document", "uri", params.URI)
		return
	}
	hostID := doc.HostID()

	r.mu.Lock()
	r.seq[params.URI]++
	mine := r.seq[params.URI]
	r.mu.Unlock()

	var records []CellDiagnostic
	var dropped int64
	for _, d := range params.Diagnostics {
		if d.Severity == 0 {
			d.Severity = r.cfg.DefaultSeverity
		}
		if r.ignored(d) {
			dropped++
			continue
		}
		d.Message = stripLeadingCode(d.Code, d.Message)

		rec, ok := r.translate(doc, d)
		if !ok {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	r.mu.Lock()
	host, ok := r.hosts[hostID]
	if !ok {
		host = &hostDiagnostics{docs: map[string]*docDiagnostics{}}
		r.hosts[hostID] = host
	}
	entry, ok := host.docs[params.URI]
	if !ok {
		entry = &docDiagnostics{}
		host.docs[params.URI] = entry
	}
	if entry.applied > mine {
		r.mu.Unlock()
		r.log.Debug("dropping stale diagnostics publish", "uri", params.URI)
		return
	}
	entry.applied = mine
	entry.records = records
	markers := mergeMarkers(host.allRecords())
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.DiagnosticsRouted.Add(ctx, int64(len(records)))
		r.metrics.DiagnosticsDropped.Add(ctx, dropped)
	}

	payload := eventbus.DiagnosticsPayload{HostID: hostID, URI: params.URI, Markers: len(markers)}
	if r.hub != nil {
		r.hub.BroadcastEvent(ctx, EventLSPDiagnostics, struct {
			HostID  string   `json:"host_id"`
			URI     string   `json:"uri"`
			Markers []Marker `json:"markers"`
		}{HostID: hostID, URI: params.URI, Markers: markers})
	}
	if r.bus != nil {
		if data, err := json.Marshal(payload); err == nil {
			if err := r.bus.Publish(ctx, eventbus.SubjectDiagnostics, data); err != nil {
				r.log.Warn("diagnostics publish failed", "error", err)
			}
		}
	}
}

// ignored applies the code, severity, and message-pattern filters. Patterns
// run against the full message, before code stripping.
func (r *DiagnosticsRouter) ignored(d lsp.Diagnostic) bool {
	if _, ok := r.cfg.IgnoreCodes[d.Code]; ok && d.Code != "" {
		return true
	}
	if _, ok := r.cfg.IgnoreSeverities[d.Severity]; ok {
		return true
	}
	for _, p := range r.cfg.IgnorePatterns {
		if p.MatchString(d.Message) {
			return true
		}
	}
	return false
}

// translate maps one diagnostic's virtual range onto a physical cell range.
// Malformed ranges and ranges inside silenced spans are dropped; malformed
// ones additionally surface a warning.
func (r *DiagnosticsRouter) translate(doc *virtual.Document, d lsp.Diagnostic) (CellDiagnostic, bool) {
	if !d.Range.Valid() || d.Range.Start.Line >= doc.LineCount() {
		r.log.Warn("dropping diagnostic with malformed range",
			"uri", doc.URI(), "range", d.Range, "message", d.Message)
		return CellDiagnostic{}, false
	}

	startCell, start, ok := doc.VirtualToPhysical(d.Range.Start)
	if !ok {
		return CellDiagnostic{}, false // silenced or separator: not this document's business
	}
	endCell, physEnd, ok := doc.VirtualToPhysical(d.Range.End)
	if !ok || endCell != startCell {
		// The exclusive end can sit on a separator or silenced boundary.
		// Recover single-line ranges by arithmetic; collapse anything else.
		if d.Range.End.Line == d.Range.Start.Line {
			physEnd = lsp.Position{
				Line:      start.Line,
				Character: start.Character + (d.Range.End.Character - d.Range.Start.Character),
			}
		} else {
			physEnd = start
		}
	}

	return CellDiagnostic{
		CellID:   startCell,
		Range:    lsp.Range{Start: start, End: physEnd},
		Severity: d.Severity,
		Code:     d.Code,
		Source:   d.Source,
		Message:  d.Message,
	}, true
}

// mergeMarkers collapses records with an identical (cell, range) into one
// marker: messages joined by newlines in arrival order, most severe severity
// kept.
func mergeMarkers(records []CellDiagnostic) []Marker {
	var markers []Marker
	index := map[string]int{}
	for _, rec := range records {
		key := fmt.Sprintf("%s:%d:%d:%d:%d", rec.CellID,
			rec.Range.Start.Line, rec.Range.Start.Character,
			rec.Range.End.Line, rec.Range.End.Character)
		if i, ok := index[key]; ok {
			markers[i].Message += "\n" + rec.Message
			if rec.Severity < markers[i].Severity {
				markers[i].Severity = rec.Severity
			}
			continue
		}
		index[key] = len(markers)
		markers = append(markers, Marker{
			CellID:   rec.CellID,
			Range:    rec.Range,
			Severity: rec.Severity,
			Message:  rec.Message,
		})
	}
	return markers
}

// stripLeadingCode removes a duplicated "<code> " prefix from the display
// message. A message that merely starts with a word like "undefined" is left
// alone when no code backs it up.
func stripLeadingCode(code, message string) string {
	if code == "" {
		return message
	}
	if rest, ok := strings.CutPrefix(message, code+" "); ok {
		return rest
	}
	return message
}

// Diagnostics lists every kept record for a host document, across all of the
// virtual URIs publishing into it.
func (r *DiagnosticsRouter) Diagnostics(hostID string) []CellDiagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	if host, ok := r.hosts[hostID]; ok {
		return host.allRecords()
	}
	return nil
}

// Markers lists the merged markers for a host document.
func (r *DiagnosticsRouter) Markers(hostID string) []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if host, ok := r.hosts[hostID]; ok {
		return mergeMarkers(host.allRecords())
	}
	return nil
}

// Forget drops stored diagnostics for a closed host document.
func (r *DiagnosticsRouter) Forget(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if host, ok := r.hosts[hostID]; ok {
		for uri := range host.docs {
			delete(r.seq, uri)
		}
	}
	delete(r.hosts, hostID)
}

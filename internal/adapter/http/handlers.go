package http

import (
	"net/http"

	"github.com/cellbridge/cellbridge/internal/domain/virtual"
	"github.com/cellbridge/cellbridge/internal/service"
)

// Handlers bundles the services the REST surface exposes.
type Handlers struct {
	Docs *service.DocumentStore
	Diag *service.DiagnosticsRouter
	Mux  *service.Multiplexer
}

// documentView is the wire shape of one virtual document.
type documentView struct {
	URI      string `json:"uri"`
	Language string `json:"language"`
	Version  int    `json:"version"`
	Text     string `json:"text"`
}

// hostView is the wire shape of a host surface and its derived documents.
type hostView struct {
	HostID   string         `json:"host_id"`
	Root     documentView   `json:"root"`
	Children []documentView `json:"children,omitempty"`
}

func viewOf(d *virtual.Document) documentView {
	return documentView{
		URI:      d.URI(),
		Language: d.Language(),
		Version:  d.Version(),
		Text:     d.Text(),
	}
}

func hostViewOf(hostID string, root *virtual.Document) hostView {
	v := hostView{HostID: hostID, Root: viewOf(root)}
	for _, child := range root.Children() {
		v.Children = append(v.Children, viewOf(child))
	}
	return v
}

// ListServers reports every known language server and its session state.
func (h *Handlers) ListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Mux.Infos())
}

// OpenHost registers a host surface (notebook) with the document store.
func (h *Handlers) OpenHost(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		HostID   string `json:"host_id"`
		Language string `json:"language"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.HostID, "host_id") || !requireField(w, req.Language, "language") {
		return
	}

	root := h.Docs.OpenHost(req.HostID, req.Language)
	writeJSON(w, http.StatusCreated, hostViewOf(req.HostID, root))
}

// GetHost returns the host's document tree.
func (h *Handlers) GetHost(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	root, ok := h.Docs.Host(hostID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown host document")
		return
	}
	writeJSON(w, http.StatusOK, hostViewOf(hostID, root))
}

// CloseHost drops the host surface and its stored diagnostics.
func (h *Handlers) CloseHost(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	h.Docs.CloseHost(hostID)
	h.Diag.Forget(hostID)
	w.WriteHeader(http.StatusNoContent)
}

// AddCell appends a cell to the host document.
func (h *Handlers) AddCell(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	req, ok := readJSON[struct {
		CellID   string `json:"cell_id"`
		Language string `json:"language"`
		Text     string `json:"text"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.CellID, "cell_id") || !requireField(w, req.Language, "language") {
		return
	}

	root, err := h.Docs.AddCell(hostID, virtual.Fragment{
		ID:       req.CellID,
		Language: req.Language,
		Text:     req.Text,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hostViewOf(hostID, root))
}

// UpdateCell replaces one cell's text.
func (h *Handlers) UpdateCell(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	cellID := urlParam(r, "cellID")
	req, ok := readJSON[struct {
		Text string `json:"text"`
	}](w, r)
	if !ok {
		return
	}

	root, err := h.Docs.UpdateCell(hostID, cellID, req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hostViewOf(hostID, root))
}

// RemoveCell deletes one cell.
func (h *Handlers) RemoveCell(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	cellID := urlParam(r, "cellID")

	root, err := h.Docs.RemoveCell(hostID, cellID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hostViewOf(hostID, root))
}

// ReorderCells applies a new cell order.
func (h *Handlers) ReorderCells(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	req, ok := readJSON[struct {
		CellIDs []string `json:"cell_ids"`
	}](w, r)
	if !ok {
		return
	}

	root, err := h.Docs.ReorderCells(hostID, req.CellIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hostViewOf(hostID, root))
}

// ListDiagnostics returns every kept diagnostic record for a host, anchored
// to physical cells.
func (h *Handlers) ListDiagnostics(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	if _, ok := h.Docs.Host(hostID); !ok {
		writeError(w, http.StatusNotFound, "unknown host document")
		return
	}
	recs := h.Diag.Diagnostics(hostID)
	if recs == nil {
		recs = []service.CellDiagnostic{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ListMarkers returns the merged editor markers for a host.
func (h *Handlers) ListMarkers(w http.ResponseWriter, r *http.Request) {
	hostID := urlParam(r, "hostID")
	if _, ok := h.Docs.Host(hostID); !ok {
		writeError(w, http.StatusNotFound, "unknown host document")
		return
	}
	markers := h.Diag.Markers(hostID)
	if markers == nil {
		markers = []service.Marker{}
	}
	writeJSON(w, http.StatusOK, markers)
}

package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cellbridge/cellbridge/internal/domain/virtual"
)

// ErrUnknownHost is returned when an operation names a host document the
// store does not hold.
var ErrUnknownHost = errors.New("unknown host document")

// DocumentStore owns the virtual documents of every open host surface
// (notebook). All mutations are serialized here, so a virtual document is
// never touched by two goroutines at once.
type DocumentStore struct {
	baseDir  string
	detector virtual.Detector

	mu    sync.RWMutex
	hosts map[string]*virtual.Document
	byURI map[string]*virtual.Document // roots and children
}

// NewDocumentStore creates the store. detector may be nil to disable foreign
// extraction.
func NewDocumentStore(baseDir string, detector virtual.Detector) *DocumentStore {
	return &DocumentStore{
		baseDir:  baseDir,
		detector: detector,
		hosts:    map[string]*virtual.Document{},
		byURI:    map[string]*virtual.Document{},
	}
}

// OpenHost registers a host surface and returns its root virtual document.
// Reopening an existing host returns the existing document.
func (s *DocumentStore) OpenHost(hostID, language string) *virtual.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.hosts[hostID]; ok {
		return doc
	}
	doc := virtual.NewDocument(virtual.Options{
		BaseDir:  s.baseDir,
		HostID:   hostID,
		Language: language,
		Detector: s.detector,
	})
	s.hosts[hostID] = doc
	s.reindexLocked(doc)
	return doc
}

// CloseHost drops a host surface and all its documents.
func (s *DocumentStore) CloseHost(hostID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.hosts[hostID]
	if !ok {
		return
	}
	doc.Walk(func(d *virtual.Document) { delete(s.byURI, d.URI()) })
	delete(s.hosts, hostID)
}

// AddCell appends a cell fragment to the host's root document.
func (s *DocumentStore) AddCell(hostID string, f virtual.Fragment) (*virtual.Document, error) {
	return s.mutate(hostID, func(doc *virtual.Document) error {
		doc.AddFragment(f)
		return nil
	})
}

// UpdateCell replaces one cell's text.
func (s *DocumentStore) UpdateCell(hostID, cellID, text string) (*virtual.Document, error) {
	return s.mutate(hostID, func(doc *virtual.Document) error {
		return doc.UpdateFragment(cellID, text)
	})
}

// RemoveCell deletes one cell.
func (s *DocumentStore) RemoveCell(hostID, cellID string) (*virtual.Document, error) {
	return s.mutate(hostID, func(doc *virtual.Document) error {
		return doc.RemoveFragment(cellID)
	})
}

// ReorderCells applies a new cell order.
func (s *DocumentStore) ReorderCells(hostID string, cellIDs []string) (*virtual.Document, error) {
	return s.mutate(hostID, func(doc *virtual.Document) error {
		return doc.Reorder(cellIDs)
	})
}

func (s *DocumentStore) mutate(hostID string, op func(*virtual.Document) error) (*virtual.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.hosts[hostID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}
	if err := op(doc); err != nil {
		return nil, err
	}
	s.reindexLocked(doc)
	return doc, nil
}

// reindexLocked refreshes the URI index for one host tree. Children come and
// go with edits, so stale entries for the host are cleared first.
func (s *DocumentStore) reindexLocked(root *virtual.Document) {
	for uri, d := range s.byURI {
		if d.HostID() == root.HostID() {
			delete(s.byURI, uri)
		}
	}
	root.Walk(func(d *virtual.Document) { s.byURI[d.URI()] = d })
}

// Resolve maps a virtual URI (root or child) to its document.
func (s *DocumentStore) Resolve(uri string) (*virtual.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.byURI[uri]
	return doc, ok
}

// Host returns the root document for a host surface.
func (s *DocumentStore) Host(hostID string) (*virtual.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.hosts[hostID]
	return doc, ok
}

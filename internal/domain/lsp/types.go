// Package lsp defines transport-independent Language Server Protocol types
// (positions, ranges, diagnostics, server lifecycle states) shared by the
// virtual document layer, the session multiplexer, and the WebSocket adapter.
package lsp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Position in a text document (0-based line and character).
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Before reports whether p comes strictly before other in document order.
func (p Position) Before(other Position) bool {
	if p.Line != other.Line {
		return p.Line < other.Line
	}
	return p.Character < other.Character
}

// Range in a text document. End is exclusive, per LSP.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether pos falls inside r (start inclusive, end exclusive).
func (r Range) Contains(pos Position) bool {
	if pos.Before(r.Start) {
		return false
	}
	return pos.Before(r.End)
}

// Valid reports whether the range is well-formed: start not after end and no
// negative coordinates. Out-of-bounds checks against a concrete document are
// the caller's job.
func (r Range) Valid() bool {
	if r.Start.Line < 0 || r.Start.Character < 0 || r.End.Line < 0 || r.End.Character < 0 {
		return false
	}
	return !r.End.Before(r.Start)
}

// Location links a URI to a range.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// DiagnosticSeverity mirrors LSP DiagnosticSeverity. Lower value is more severe.
type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// String returns the LSP-spec severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityInformation:
		return "Information"
	case SeverityHint:
		return "Hint"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity converts a severity name (as used in configuration files)
// to its numeric value.
func ParseSeverity(name string) (DiagnosticSeverity, error) {
	switch strings.ToLower(name) {
	case "error":
		return SeverityError, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "information", "info":
		return SeverityInformation, nil
	case "hint":
		return SeverityHint, nil
	default:
		return 0, fmt.Errorf("unknown diagnostic severity %q", name)
	}
}

// Diagnostic is a server-reported issue about a document's content.
// Code is normalized to a string; servers send either strings or numbers.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     string             `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// diagnosticWire is the shape actually on the wire: code may be a number.
type diagnosticWire struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     json.RawMessage    `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// UnmarshalJSON accepts both string and integer codes.
func (d *Diagnostic) UnmarshalJSON(data []byte) error {
	var w diagnosticWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d.Range = w.Range
	d.Severity = w.Severity
	d.Source = w.Source
	d.Message = w.Message
	d.Code = ""
	if len(w.Code) > 0 {
		var s string
		if err := json.Unmarshal(w.Code, &s); err == nil {
			d.Code = s
		} else {
			var n int64
			if err := json.Unmarshal(w.Code, &n); err == nil {
				d.Code = fmt.Sprintf("%d", n)
			}
		}
	}
	return nil
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// ServerState is the lifecycle state of a language server session.
type ServerState string

const (
	StateStarting ServerState = "starting"
	StateRunning  ServerState = "running"
	StateCrashed  ServerState = "crashed"
	StateStopped  ServerState = "stopped"
)

// ServerSpec describes how to launch one language server and which languages
// it serves. Specs come from the built-in table and the operator's YAML file.
type ServerSpec struct {
	Command   []string       `yaml:"command" json:"command"`
	Languages []string       `yaml:"languages" json:"languages"`
	InitOpts  map[string]any `yaml:"initialization_options,omitempty" json:"initialization_options,omitempty"`
}

// Serves reports whether the spec handles the given language id.
func (s ServerSpec) Serves(language string) bool {
	for _, l := range s.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// ServerInfo describes one configured server for the status API.
type ServerInfo struct {
	Key       string      `json:"key"`
	Languages []string    `json:"languages"`
	Command   string      `json:"command"`
	Installed bool        `json:"installed"`
	State     ServerState `json:"state"`
	PID       int         `json:"pid,omitempty"`
	Clients   int         `json:"clients"`
	Restarts  int         `json:"restarts"`
	LastError string      `json:"last_error,omitempty"`
}

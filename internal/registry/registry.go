// Package registry resolves language ids to runnable language server specs.
// Built-in defaults are merged with operator-supplied entries; an entry with
// an empty command opts the server out.
package registry

import (
	"os/exec"
	"sort"
	"strings"

	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

// Builtin returns the default server specs, keyed by server key. The caller
// owns the returned map.
func Builtin() map[string]lsp.ServerSpec {
	return map[string]lsp.ServerSpec{
		"pylsp": {
			Command:   []string{"pylsp"},
			Languages: []string{"python"},
		},
		"typescript-language-server": {
			Command:   []string{"typescript-language-server", "--stdio"},
			Languages: []string{"javascript", "typescript"},
		},
		"gopls": {
			Command:   []string{"gopls", "serve"},
			Languages: []string{"go"},
		},
		"bash-language-server": {
			Command:   []string{"bash-language-server", "start"},
			Languages: []string{"shellscript"},
		},
		"sqls": {
			Command:   []string{"sqls"},
			Languages: []string{"sql"},
		},
		"vscode-html-language-server": {
			Command:   []string{"vscode-html-language-server", "--stdio"},
			Languages: []string{"html"},
		},
		"r-languageserver": {
			Command:   []string{"R", "--slave", "-e", "languageserver::run()"},
			Languages: []string{"r"},
		},
	}
}

// Registry holds the merged spec table.
type Registry struct {
	specs    map[string]lsp.ServerSpec
	lookPath func(string) (string, error)
}

// New merges overrides on top of the built-in table. An override with an
// empty command removes the server.
func New(overrides map[string]lsp.ServerSpec) *Registry {
	specs := Builtin()
	for key, spec := range overrides {
		if len(spec.Command) == 0 {
			delete(specs, key)
			continue
		}
		specs[key] = spec
	}
	return &Registry{specs: specs, lookPath: exec.LookPath}
}

// Spec returns the spec for a server key.
func (r *Registry) Spec(key string) (lsp.ServerSpec, bool) {
	s, ok := r.specs[key]
	return s, ok
}

// Resolve finds a server for the given language id, preferring installed
// servers. Key order is lexicographic so resolution is deterministic.
func (r *Registry) Resolve(language string) (string, lsp.ServerSpec, bool) {
	var fallbackKey string
	var fallback lsp.ServerSpec
	for _, key := range r.Keys() {
		spec := r.specs[key]
		if !spec.Serves(language) {
			continue
		}
		if r.Installed(key) {
			return key, spec, true
		}
		if fallbackKey == "" {
			fallbackKey, fallback = key, spec
		}
	}
	if fallbackKey != "" {
		return fallbackKey, fallback, true
	}
	return "", lsp.ServerSpec{}, false
}

// Installed reports whether the server's binary is on PATH.
func (r *Registry) Installed(key string) bool {
	spec, ok := r.specs[key]
	if !ok || len(spec.Command) == 0 {
		return false
	}
	_, err := r.lookPath(spec.Command[0])
	return err == nil
}

// Keys returns all server keys in lexicographic order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.specs))
	for key := range r.specs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Infos describes every configured server for the status API. Lifecycle
// state is the multiplexer's business; entries come back Stopped.
func (r *Registry) Infos() []lsp.ServerInfo {
	infos := make([]lsp.ServerInfo, 0, len(r.specs))
	for _, key := range r.Keys() {
		spec := r.specs[key]
		infos = append(infos, lsp.ServerInfo{
			Key:       key,
			Languages: spec.Languages,
			Command:   strings.Join(spec.Command, " "),
			Installed: r.Installed(key),
			State:     lsp.StateStopped,
		})
	}
	return infos
}

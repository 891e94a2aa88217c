// Package handlers holds the built-in job kinds a config file can name.
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"agentsched/internal/task/engine"
)

// Kind is a named handler plus the decoder for its params.
type Kind struct {
	Name    string
	Handler engine.Handler
	// Decode turns raw job params into the value passed to Handler.
	// It runs when jobs are applied, so bad params fail the reload.
	Decode func(raw json.RawMessage) (any, error)
}

type Registry struct {
	kinds map[string]Kind
}

func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		r.Register(k)
	}
	return r
}

// Builtin returns a registry with exec, http and sleep.
func Builtin(client *http.Client) *Registry {
	return NewRegistry(Exec(), HTTP(client), Sleep())
}

// Register adds or replaces k.
func (r *Registry) Register(k Kind) {
	k.Name = strings.ToLower(strings.TrimSpace(k.Name))
	r.kinds[k.Name] = k
}

func (r *Registry) Lookup(name string) (Kind, bool) {
	k, ok := r.kinds[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Params decodes raw for the named kind.
func (r *Registry) Params(kind string, raw json.RawMessage) (any, error) {
	k, ok := r.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("unknown job kind %q (have %s)", kind, strings.Join(r.Names(), ", "))
	}
	if k.Decode == nil {
		return nil, nil
	}
	return k.Decode(raw)
}

// decodeStrict unmarshals raw into T rejecting unknown fields. Empty raw
// yields the zero T.
func decodeStrict[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("params: %w", err)
	}
	return v, nil
}

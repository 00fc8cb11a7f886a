// Package env composes the environment handed to managed processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	base Var
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	e := &Env{}
	e.FromOS()
	return e
}

// FromOS replaces the base with the current process environment.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// WithBase returns an Env over an explicit base, ignoring the OS environment.
func WithBase(base Var) *Env {
	cp := make(Var, len(base))
	for k, v := range base {
		cp[k] = v
	}
	return &Env{base: cp}
}

// Parse turns "K=V" entries into a map. Entries without '=' or with an empty
// key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Merge overlays overrides on the base and returns sorted "K=V" entries.
// Overrides with an empty key are ignored.
func (e *Env) Merge(overrides Var) []string {
	m := make(Var, len(e.base)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range overrides {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

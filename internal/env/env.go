// Package env composes the environment handed to managed processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers daemon-wide variables over a base environment.
type Env struct {
	Var  Var // global variables from config (K->V)
	base Var // cached base, the daemon's OS environment unless overridden
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// WithBase replaces the base with the given K=V list.
func (e *Env) WithBase(kvs []string) *Env {
	e.base = Parse(kvs)
	return e
}

// WithSet returns e after setting a global variable.
func (e *Env) WithSet(k, v string) *Env {
	if e.Var == nil {
		e.Var = make(Var)
	}
	if k != "" {
		e.Var[k] = v
	}
	return e
}

// Merge composes the environment for one launch:
// base, then global Var, then each layer in order (K=V lists). ${VAR}
// references are expanded against the composed map, without recursion.
// The result is sorted by key.
func (e *Env) Merge(layers ...[]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, l := range layers {
		for k, v := range Parse(l) {
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return Format(expanded)
}

// Overlay returns spec overlaid by caller, both K=V lists; caller wins.
// No expansion is applied.
func Overlay(spec, caller []string) []string {
	m := Parse(spec)
	for k, v := range Parse(caller) {
		m[k] = v
	}
	return Format(m)
}

// Parse converts K=V entries to a map, skipping malformed ones.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// Format renders m as K=V entries sorted by key.
func Format(m Var) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

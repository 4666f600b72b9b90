// Copyright 2025 James Ross
// Package catalog implements the pluggable backend-status resolver of spec
// §4.3: a TOML document (fetched from the parameter store at startup, and
// re-readable on demand) mapping backend names and aliases to a canonical
// name and service status.
package catalog

import (
	"fmt"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/mqc3/scheduler/internal/schedulererr"
)

// Status is a backend's current serving state.
type Status string

const (
	Available   Status = "available"
	Unavailable Status = "unavailable"
	Maintenance Status = "maintenance"
)

// Entry is one [[backend]] block of the TOML document (spec §4.3).
type Entry struct {
	Name        string   `toml:"name"`
	Aliases     []string `toml:"aliases"`
	Status      Status   `toml:"status"`
	Description string   `toml:"description"`
}

// document is the root of the TOML config.
type document struct {
	Backend []Entry `toml:"backend"`
}

// Catalog resolves user-supplied backend names to a canonical name and
// status. It is safe for concurrent use; Reload atomically swaps in a freshly
// parsed document.
type Catalog struct {
	mu            sync.RWMutex
	entries       map[string]Entry // canonical name -> entry
	aliasToCanon  map[string]string
	unifyBackends bool
	unifiedName   string
}

// unifiedCanonicalName is the stable, implementation-defined canonical queue
// name used under --unify-backends (spec §4.3).
const unifiedCanonicalName = "unified"

// New parses raw TOML into a Catalog. unifyBackends rewrites every known
// alias to resolve to a single canonical queue, per the Design Notes
// "Unify-backends flag" ("a catalog-level rewrite rule, not a dispatch-time
// hack").
func New(raw []byte, unifyBackends bool) (*Catalog, error) {
	c := &Catalog{unifyBackends: unifyBackends, unifiedName: unifiedCanonicalName}
	if err := c.load(raw); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-parses raw and atomically replaces the catalog's contents. No
// RPC handler calls it: GetServiceStatus resolves against the catalog parsed
// at startup.
func (c *Catalog) Reload(raw []byte) error {
	return c.load(raw)
}

func (c *Catalog) load(raw []byte) error {
	var doc document
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return schedulererr.Wrap(schedulererr.Internal, "parse backend catalog", err)
	}

	entries := make(map[string]Entry, len(doc.Backend))
	aliasToCanon := make(map[string]string)
	for _, e := range doc.Backend {
		name := e.Name
		entries[name] = e
		aliasToCanon[strings.ToLower(name)] = name
		for _, a := range e.Aliases {
			aliasToCanon[strings.ToLower(a)] = name
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.aliasToCanon = aliasToCanon
	return nil
}

// Resolve maps a user-supplied backend name to its canonical name, status and
// description. Returns schedulererr with code UnknownBackend if requested
// does not match any configured name or alias.
func (c *Catalog) Resolve(requested string) (canonical string, status Status, description string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	canon, ok := c.aliasToCanon[strings.ToLower(requested)]
	if !ok {
		return "", "", "", schedulererr.New(schedulererr.UnknownBackend, fmt.Sprintf("unknown backend %q", requested))
	}
	entry := c.entries[canon]

	if c.unifyBackends {
		return c.unifiedName, entry.Status, entry.Description, nil
	}
	return canon, entry.Status, entry.Description, nil
}

// IsDispatchEligible reports whether canonical is currently AVAILABLE.
// Under --unify-backends the unified queue is eligible if any constituent
// backend is available, since submissions no longer name a specific machine.
func (c *Catalog) IsDispatchEligible(canonical string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.unifyBackends && canonical == c.unifiedName {
		for _, e := range c.entries {
			if e.Status == Available {
				return true
			}
		}
		return false
	}
	e, ok := c.entries[canonical]
	return ok && e.Status == Available
}

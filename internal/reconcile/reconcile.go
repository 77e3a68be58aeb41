// Package reconcile diffs a remote catalog against the local inventory
// and produces the action plan that converges the mirror. It is pure:
// no I/O, identical inputs give an identical plan.
package reconcile

import (
	"sort"

	"github.com/schaermu/pacmirror/internal/inventory"
	"github.com/schaermu/pacmirror/internal/pacdb"
)

// Op classifies what must happen for one package.
type Op int

const (
	// Keep: the live file already matches the catalog entry (file name
	// and size); no I/O.
	Keep Op = iota
	// Fetch: no matching live file; download and publish.
	Fetch
	// Archive: a superseded or repository-dropped version; relocate to
	// archive/, never delete.
	Archive
	// Quarantine: the live file carries the current entry's name but the
	// wrong size; relocate to corrupt/ and re-fetch.
	Quarantine
)

func (op Op) String() string {
	switch op {
	case Keep:
		return "keep"
	case Fetch:
		return "fetch"
	case Archive:
		return "archive"
	case Quarantine:
		return "quarantine"
	}
	return "unknown"
}

// Action is one planned step. Entry is set for Keep and Fetch, File for
// Keep, Archive and Quarantine.
type Action struct {
	Op    Op
	Pkg   string
	Entry *pacdb.Entry
	File  *inventory.File
}

// Plan is the ordered action list for one repository pass. For any
// package, its Archive/Quarantine moves appear before its Fetch, so the
// live slot is free before a new file lands. Packages are ordered by
// name for deterministic output.
type Plan struct {
	Actions []Action
}

// Count returns how many actions carry the given op.
func (p *Plan) Count(op Op) int {
	n := 0
	for _, a := range p.Actions {
		if a.Op == op {
			n++
		}
	}
	return n
}

// Build classifies every package name present in either the catalog or
// the live inventory. Exactly one of Keep/Fetch is emitted per cataloged
// name; local files not matching the current entry are archived or
// quarantined first.
func Build(catalog pacdb.Catalog, inv *inventory.Inventory) *Plan {
	names := make(map[string]bool, len(catalog))
	for name := range catalog {
		names[name] = true
	}
	for name := range inv.LiveNames() {
		names[name] = true
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	plan := &Plan{}
	for _, name := range ordered {
		entry, listed := catalog[name]
		live := inv.Live(name)

		if !listed {
			// repository dropped the package; move it out of the live
			// set, preserving history
			for i := range live {
				plan.Actions = append(plan.Actions, Action{Op: Archive, Pkg: name, File: &live[i]})
			}
			continue
		}

		var kept *inventory.File
		for i := range live {
			f := &live[i]
			switch {
			case f.Name != entry.FileName:
				// a different (stale) version of the same package
				plan.Actions = append(plan.Actions, Action{Op: Archive, Pkg: name, File: f})
			case entry.CSize != 0 && f.Size != entry.CSize:
				// right name, wrong size: treat as tampered
				plan.Actions = append(plan.Actions, Action{Op: Quarantine, Pkg: name, File: f})
			default:
				kept = f
			}
		}

		e := entry
		if kept != nil {
			plan.Actions = append(plan.Actions, Action{Op: Keep, Pkg: name, Entry: &e, File: kept})
		} else {
			plan.Actions = append(plan.Actions, Action{Op: Fetch, Pkg: name, Entry: &e})
		}
	}

	return plan
}

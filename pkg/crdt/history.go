package crdt

import (
	"fmt"
)

// Change describes one committed change and the order as it stood immediately after it.
type Change struct {
	Hash         string
	Actor        string
	Seq          uint64
	Message      string
	Dependencies []string
	Order        []string
}

// History returns every change in causal order along with a snapshot of the order at each.
// It forks the document once per change, so it is meant for tooling rather than request paths.
func (d *Document) History() ([]Change, error) {
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Change, 0, len(changes))
	for _, change := range changes {
		at, err := d.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		order, err := (&Document{doc: at}).ReadOrder()
		if err != nil {
			order = nil
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, h := range change.Dependencies() {
			deps = append(deps, h.String())
		}
		out = append(out, Change{
			Hash:         change.Hash().String(),
			Actor:        change.ActorID(),
			Seq:          change.ActorSeq(),
			Message:      change.Message(),
			Dependencies: deps,
			Order:        order,
		})
	}
	return out, nil
}

// ChangeCount returns the number of changes in the document.
func (d *Document) ChangeCount() (int, error) {
	changes, err := d.doc.Changes()
	if err != nil {
		return 0, fmt.Errorf("failed to generate changes: %w", err)
	}
	return len(changes), nil
}

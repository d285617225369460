// Package crdt wraps the automerge document that holds a task list's item order. Nothing
// outside this package touches automerge directly.
package crdt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

// OrderKey is the root map key of the list register that carries the item order.
const OrderKey = "taskOrder"

// hashSize is the length of an automerge change hash.
const hashSize = 32

// Document is a single task list's CRDT state.
type Document struct {
	doc *automerge.Doc
}

// InitializeFromOrder builds a fresh document whose task order register is seeded with order.
func InitializeFromOrder(order []string) (*Document, error) {
	doc := automerge.New()
	if err := doc.Path(OrderKey).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create order register: %w", err)
	}
	d := &Document{doc: doc}
	if len(order) > 0 {
		list, err := d.orderList()
		if err != nil {
			return nil, err
		}
		values := make([]interface{}, len(order))
		for i, id := range order {
			values[i] = id
		}
		if err := list.Append(values...); err != nil {
			return nil, fmt.Errorf("failed to seed order: %w", err)
		}
	}
	if _, err := doc.Commit("seed order"); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return d, nil
}

// Decode loads a document from its saved form.
func Decode(raw []byte) (*Document, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrCorruptDocument)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return &Document{doc: doc}, nil
}

// SetActor tags subsequent local changes with an actor derived from name (usually the device id).
func (d *Document) SetActor(name string) error {
	return d.doc.SetActorID(hex.EncodeToString([]byte(name)))
}

// EncodeState returns the full saved form of the document.
func (d *Document) EncodeState() []byte {
	return d.doc.Save()
}

// EncodeStateVector returns the document heads, sorted and concatenated.
func (d *Document) EncodeStateVector() []byte {
	return encodeHeads(d.doc.Heads())
}

// Heads returns the hex form of the current heads, for logging.
func (d *Document) Heads() []string {
	heads := sortedHeads(d.doc.Heads())
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

// ApplyDelta merges changes produced by any replica. Applying the same delta again is a no-op.
// Changes whose dependencies are missing are held in memory and never saved, so callers that
// must not lose them check the sender's heads with RequireKnown afterwards.
func (d *Document) ApplyDelta(delta []byte) error {
	if len(delta) == 0 {
		return nil
	}
	if err := checkChunks(delta); err != nil {
		return err
	}
	if err := d.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	return nil
}

// DeltaSince returns every change in this replica that is not covered by stateVector.
func (d *Document) DeltaSince(stateVector []byte) ([]byte, error) {
	heads, err := decodeHeads(stateVector)
	if err != nil {
		return nil, err
	}
	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	covered, err := ancestry(changes, heads)
	if err != nil {
		return nil, err
	}
	missing := make([]*automerge.Change, 0, len(changes)-len(covered))
	for _, c := range changes {
		if _, ok := covered[c.Hash()]; !ok {
			missing = append(missing, c)
		}
	}
	return automerge.SaveChanges(missing), nil
}

// Knows reports whether every change named by stateVector is present in this replica.
func (d *Document) Knows(stateVector []byte) bool {
	heads, err := decodeHeads(stateVector)
	if err != nil {
		return false
	}
	changes, err := d.doc.Changes()
	if err != nil {
		return false
	}
	_, err = ancestry(changes, heads)
	return err == nil
}

// RequireKnown returns ErrMissingDependencies unless every change named by stateVector has been
// applied.
func (d *Document) RequireKnown(stateVector []byte) error {
	heads, err := decodeHeads(stateVector)
	if err != nil {
		return err
	}
	changes, err := d.doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	if _, err := ancestry(changes, heads); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingDependencies, err)
	}
	return nil
}

// ancestry returns the set of changes reachable from heads through their dependencies.
func ancestry(changes []*automerge.Change, heads []automerge.ChangeHash) (map[automerge.ChangeHash]struct{}, error) {
	byHash := make(map[automerge.ChangeHash]*automerge.Change, len(changes))
	for _, c := range changes {
		byHash[c.Hash()] = c
	}
	covered := make(map[automerge.ChangeHash]struct{}, len(changes))
	stack := append([]automerge.ChangeHash(nil), heads...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := covered[h]; ok {
			continue
		}
		c, ok := byHash[h]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStateVector, h.String())
		}
		covered[h] = struct{}{}
		stack = append(stack, c.Dependencies()...)
	}
	return covered, nil
}

// Merge pulls every change from other into this document.
func (d *Document) Merge(other *Document) error {
	if _, err := d.doc.Merge(other.doc); err != nil {
		return fmt.Errorf("failed to merge: %w", err)
	}
	return nil
}

// Validate checks that the order register still reads as a list of item ids.
func (d *Document) Validate() error {
	_, err := d.rawOrder()
	return err
}

// ReadOrder projects the merged state into a flat item order. Concurrent moves of the same
// item can leave it in the register twice; only the first occurrence is reported.
func (d *Document) ReadOrder() ([]string, error) {
	raw, err := d.rawOrder()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (d *Document) rawOrder() ([]string, error) {
	list, err := d.orderList()
	if err != nil {
		return nil, err
	}
	items, err := list.Values()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	out := make([]string, len(items))
	for i, item := range items {
		if item.Kind() != automerge.KindStr {
			return nil, fmt.Errorf("%w: item %d is %v, not a string", ErrInvalidDocument, i, item.Kind())
		}
		out[i] = item.Str()
	}
	return out, nil
}

func sortedHeads(heads []automerge.ChangeHash) []automerge.ChangeHash {
	out := make([]automerge.ChangeHash, len(heads))
	copy(out, heads)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	heads = sortedHeads(heads)
	out := make([]byte, 0, len(heads)*hashSize)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func decodeHeads(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw)%hashSize != 0 {
		return nil, fmt.Errorf("%w: state vector length %d is not a multiple of %d", ErrMalformedDelta, len(raw), hashSize)
	}
	heads := make([]automerge.ChangeHash, len(raw)/hashSize)
	for i := range heads {
		copy(heads[i][:], raw[i*hashSize:(i+1)*hashSize])
	}
	return heads, nil
}

// EqualStateVectors reports whether two encoded state vectors name the same heads.
func EqualStateVectors(a, b []byte) bool {
	return bytes.Equal(a, b)
}

package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// orderList resolves the register to a list bound to its object, which edits other than
// appends need.
func (d *Document) orderList() (*automerge.List, error) {
	value, err := d.doc.Path(OrderKey).Get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if value.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: %s is %v, not a list", ErrInvalidDocument, OrderKey, value.Kind())
	}
	return value.List(), nil
}

func (d *Document) commit(msg string) error {
	if _, err := d.doc.Commit(msg); err != nil {
		return fmt.Errorf("failed to commit %q: %w", msg, err)
	}
	return nil
}

// Insert places id at index, clamped to the bounds of the current order.
func (d *Document) Insert(index int, id string) error {
	list, err := d.orderList()
	if err != nil {
		return err
	}
	if index < 0 {
		index = 0
	}
	if n := list.Len(); index > n {
		index = n
	}
	if err := list.Insert(index, id); err != nil {
		return fmt.Errorf("failed to insert %s: %w", id, err)
	}
	return d.commit("insert " + id)
}

// Append adds id at the end of the order.
func (d *Document) Append(id string) error {
	list, err := d.orderList()
	if err != nil {
		return err
	}
	if err := list.Append(id); err != nil {
		return fmt.Errorf("failed to append %s: %w", id, err)
	}
	return d.commit("append " + id)
}

// Remove deletes every occurrence of id. Removing an absent id is a no-op.
func (d *Document) Remove(id string) error {
	raw, err := d.rawOrder()
	if err != nil {
		return err
	}
	list, err := d.orderList()
	if err != nil {
		return err
	}
	removed := false
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] != id {
			continue
		}
		if err := list.Delete(i); err != nil {
			return fmt.Errorf("failed to remove %s: %w", id, err)
		}
		removed = true
	}
	if !removed {
		return nil
	}
	return d.commit("remove " + id)
}

// Move relocates the first occurrence of id so that it ends up at index in the resulting order.
// Automerge lists have no native move, so this is a delete followed by an insert.
func (d *Document) Move(id string, index int) error {
	raw, err := d.rawOrder()
	if err != nil {
		return err
	}
	from := -1
	for i, v := range raw {
		if v == id {
			from = i
			break
		}
	}
	if from < 0 {
		return fmt.Errorf("item %s is not in the order", id)
	}
	if index < 0 {
		index = 0
	}
	if index > len(raw)-1 {
		index = len(raw) - 1
	}
	if index == from {
		return nil
	}
	list, err := d.orderList()
	if err != nil {
		return err
	}
	if err := list.Delete(from); err != nil {
		return fmt.Errorf("failed to move %s: %w", id, err)
	}
	if err := list.Insert(index, id); err != nil {
		return fmt.Errorf("failed to move %s: %w", id, err)
	}
	return d.commit("move " + id)
}

// ReplaceRegister overwrites the order register with an arbitrary value. It exists so that
// callers can exercise validation of documents whose register is no longer a list.
func (d *Document) ReplaceRegister(value interface{}) error {
	if err := d.doc.Path(OrderKey).Set(value); err != nil {
		return fmt.Errorf("failed to replace %s: %w", OrderKey, err)
	}
	return d.commit("replace " + OrderKey)
}

// ReconcileTo edits the register so that it reads exactly target, which must not repeat ids.
// It is used to carry a replica's order across to an unrelated document history.
func (d *Document) ReconcileTo(target []string) error {
	raw, err := d.rawOrder()
	if err != nil {
		return err
	}
	list, err := d.orderList()
	if err != nil {
		return err
	}
	changed := false
	for i, id := range target {
		if i < len(raw) && raw[i] == id {
			continue
		}
		for j := i + 1; j < len(raw); j++ {
			if raw[j] == id {
				if err := list.Delete(j); err != nil {
					return fmt.Errorf("failed to reconcile %s: %w", id, err)
				}
				raw = append(raw[:j], raw[j+1:]...)
				break
			}
		}
		if err := list.Insert(i, id); err != nil {
			return fmt.Errorf("failed to reconcile %s: %w", id, err)
		}
		raw = append(raw[:i], append([]string{id}, raw[i:]...)...)
		changed = true
	}
	for len(raw) > len(target) {
		if err := list.Delete(len(target)); err != nil {
			return fmt.Errorf("failed to trim order: %w", err)
		}
		raw = append(raw[:len(target)], raw[len(target)+1:]...)
		changed = true
	}
	if !changed {
		return nil
	}
	return d.commit("reconcile order")
}

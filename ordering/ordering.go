// Package ordering holds the pure sequence operations shared by the server
// endpoints, the optimistic pipeline and the realtime reconciler.
package ordering

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is matched by every IndexOutOfRangeError.
var ErrIndexOutOfRange = errors.New("index out of range")

// IndexOutOfRangeError reports a source index that does not address an item.
type IndexOutOfRangeError struct {
	Index int
	Len   int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d out of range [0,%d)", e.Index, e.Len)
}

func (e *IndexOutOfRangeError) Is(target error) bool { return target == ErrIndexOutOfRange }

// Identified is anything with a stable identity.
type Identified interface {
	Identity() string
}

// Orderable items can be renumbered without mutating the receiver.
type Orderable[T any] interface {
	Identified
	WithOrder(order int) T
}

// Movable items can also change their owning list.
type Movable[T any] interface {
	Orderable[T]
	WithListID(listID string) T
}

// Moved is the result of MoveAcrossLists.
type Moved[T any] struct {
	Source []T
	Dest   []T
	Item   T
}

// ReorderWithinList removes the item at from and reinserts it at to. to is
// clamped to the sequence bounds. The result is renumbered 0..n-1.
func ReorderWithinList[T Orderable[T]](items []T, from, to int) ([]T, error) {
	if from < 0 || from >= len(items) {
		return nil, &IndexOutOfRangeError{Index: from, Len: len(items)}
	}
	to = clamp(to, 0, len(items)-1)

	out := make([]T, 0, len(items))
	out = append(out, items[:from]...)
	out = append(out, items[from+1:]...)
	out = insertAt(out, to, items[from])
	return Renumber(out), nil
}

// ReorderLists is ReorderWithinList applied to a board's lists.
func ReorderLists[T Orderable[T]](lists []T, from, to int) ([]T, error) {
	return ReorderWithinList(lists, from, to)
}

// MoveAcrossLists removes the item at from in src and inserts it into dst at
// to, clamped to [0, len(dst)]. The moved item takes destListID and both
// sequences are renumbered.
func MoveAcrossLists[T Movable[T]](src, dst []T, from, to int, destListID string) (Moved[T], error) {
	if from < 0 || from >= len(src) {
		return Moved[T]{}, &IndexOutOfRangeError{Index: from, Len: len(src)}
	}
	to = clamp(to, 0, len(dst))

	item := src[from].WithListID(destListID)

	source := make([]T, 0, len(src)-1)
	source = append(source, src[:from]...)
	source = append(source, src[from+1:]...)

	dest := make([]T, 0, len(dst)+1)
	dest = append(dest, dst...)
	dest = insertAt(dest, to, item)

	dest = Renumber(dest)
	return Moved[T]{
		Source: Renumber(source),
		Dest:   dest,
		Item:   dest[to],
	}, nil
}

// Arrange builds the sequence named by orderedIDs. Unknown IDs are skipped and
// items not named are dropped.
func Arrange[T Orderable[T]](items []T, orderedIDs []string) []T {
	byID := make(map[string]T, len(items))
	for _, it := range items {
		byID[it.Identity()] = it
	}
	out := make([]T, 0, len(orderedIDs))
	seen := make(map[string]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		it, ok := byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, it)
	}
	return Renumber(out)
}

// Renumber sets each item's order to its index in place and returns items.
func Renumber[T Orderable[T]](items []T) []T {
	for i := range items {
		items[i] = items[i].WithOrder(i)
	}
	return items
}

// IDs returns the identities of items in sequence order.
func IDs[T Identified](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Identity()
	}
	return out
}

// Without returns a copy of items with id removed.
func Without[T Identified](items []T, id string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if it.Identity() != id {
			out = append(out, it)
		}
	}
	return out
}

// IndexOf returns the position of id or -1.
func IndexOf[T Identified](items []T, id string) int {
	for i, it := range items {
		if it.Identity() == id {
			return i
		}
	}
	return -1
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int { return clamp(n, lo, hi) }

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func insertAt[T any](items []T, at int, item T) []T {
	var zero T
	items = append(items, zero)
	copy(items[at+1:], items[at:])
	items[at] = item
	return items
}

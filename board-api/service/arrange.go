package service

import (
	"kanban/domain"
	"kanban/ordering"
)

// arrange applies orderedIDs to items. Items the caller did not mention, such
// as one created concurrently, keep their relative order after the
// mentioned ones. Unknown IDs are ignored.
func arrange[T ordering.Orderable[T]](items []T, orderedIDs []string) ([]T, error) {
	if len(orderedIDs) == 0 {
		return nil, domain.Invalid("orderedIds", "orderedIds is required")
	}
	out := ordering.Arrange(items, orderedIDs)
	placed := make(map[string]struct{}, len(out))
	for _, it := range out {
		placed[it.Identity()] = struct{}{}
	}
	for _, it := range items {
		if _, ok := placed[it.Identity()]; !ok {
			out = append(out, it)
		}
	}
	return ordering.Renumber(out), nil
}

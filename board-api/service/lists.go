package service

import (
	"context"

	"github.com/google/uuid"

	"kanban/domain"
	"kanban/ordering"
)

// ListService applies list rules. Any owner or member may change lists.
type ListService struct{ deps }

func (s ListService) List(ctx context.Context, userID, boardID string) ([]domain.List, error) {
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return nil, err
	}
	return s.st.Lists(ctx, boardID)
}

// Create appends a list to the end of the board and emits list:created.
func (s ListService) Create(ctx context.Context, userID, boardID, title string) (domain.List, error) {
	title, err := requireTitle(title)
	if err != nil {
		return domain.List{}, err
	}
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return domain.List{}, err
	}
	lists, err := s.st.Lists(ctx, boardID)
	if err != nil {
		return domain.List{}, err
	}
	l := domain.List{ID: uuid.NewString(), BoardID: boardID, Title: title, Order: len(lists)}
	if err := s.st.SaveLists(ctx, l); err != nil {
		return domain.List{}, err
	}
	s.publish(ctx, domain.ListCreated, boardID, domain.ListEventData{BoardID: boardID, List: l})
	return l, nil
}

func (s ListService) Update(ctx context.Context, userID, boardID, listID string, patch domain.ListPatch) (domain.List, error) {
	if patch.Title == nil {
		return domain.List{}, domain.Invalid("title", "title is required")
	}
	title, err := requireTitle(*patch.Title)
	if err != nil {
		return domain.List{}, err
	}
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return domain.List{}, err
	}
	l, err := s.find(ctx, boardID, listID)
	if err != nil {
		return domain.List{}, err
	}
	l.Title = title
	if err := s.st.SaveLists(ctx, l); err != nil {
		return domain.List{}, err
	}
	s.publish(ctx, domain.ListUpdated, boardID, domain.ListEventData{BoardID: boardID, List: l})
	return l, nil
}

// Delete removes the list with its tasks, closes the gap in the remaining
// orders and emits list:deleted.
func (s ListService) Delete(ctx context.Context, userID, boardID, listID string) error {
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return err
	}
	if err := s.st.DeleteList(ctx, boardID, listID); err != nil {
		return err
	}
	rest, err := s.st.Lists(ctx, boardID)
	if err != nil {
		return err
	}
	if changed := renumbered(rest); len(changed) > 0 {
		if err := s.st.SaveLists(ctx, changed...); err != nil {
			return err
		}
	}
	s.publish(ctx, domain.ListDeleted, boardID, domain.ListDeletedEventData{BoardID: boardID, ListID: listID})
	return nil
}

// Reorder applies the client's sequence and emits list:reordered with the
// resulting authoritative order.
func (s ListService) Reorder(ctx context.Context, userID, boardID string, orderedIDs []string) ([]domain.List, error) {
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return nil, err
	}
	lists, err := s.st.Lists(ctx, boardID)
	if err != nil {
		return nil, err
	}
	out, err := arrange(lists, orderedIDs)
	if err != nil {
		return nil, err
	}
	if err := s.st.SaveLists(ctx, out...); err != nil {
		return nil, err
	}
	s.publish(ctx, domain.ListReordered, boardID, domain.ListsReorderedEventData{BoardID: boardID, OrderedIDs: ordering.IDs(out)})
	return out, nil
}

func (s ListService) find(ctx context.Context, boardID, listID string) (domain.List, error) {
	lists, err := s.st.Lists(ctx, boardID)
	if err != nil {
		return domain.List{}, err
	}
	if i := ordering.IndexOf(lists, listID); i >= 0 {
		return lists[i], nil
	}
	return domain.List{}, domain.NotFound("list not found")
}

// renumbered sets dense orders and returns only the items whose order moved.
func renumbered[T interface {
	ordering.Orderable[T]
	Position() int
}](items []T) []T {
	var changed []T
	for i := range items {
		if items[i].Position() != i {
			items[i] = items[i].WithOrder(i)
			changed = append(changed, items[i])
		}
	}
	return changed
}

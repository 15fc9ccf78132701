// Package reconciler merges pushed board events into the client cache.
package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"kanban/board-client/cache"
	"kanban/domain"
	"kanban/ordering"
)

var ErrUnknownEvent = errors.New("unknown event")

// Subscriber is the part of a socket connection the reconciler needs.
type Subscriber interface {
	On(event string, h func(data json.RawMessage)) (off func())
}

// Reconciler applies every event as an idempotent patch. Applying the same
// event twice leaves the cache as the first application did.
type Reconciler struct {
	store *cache.Store
	gate  *DragGate
	log   log.FieldLogger
}

func New(store *cache.Store, gate *DragGate, logger log.FieldLogger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if gate == nil {
		gate = NewDragGate()
	}
	return &Reconciler{store: store, gate: gate, log: logger}
}

// Bind registers the reconciler for every board event on sub. The returned
// func removes all handlers.
func (r *Reconciler) Bind(sub Subscriber) (unbind func()) {
	offs := make([]func(), 0, len(domain.BoardEvents))
	for _, event := range domain.BoardEvents {
		event := event
		offs = append(offs, sub.On(event, func(data json.RawMessage) {
			if err := r.Apply(domain.Envelope{Event: event, Data: data}); err != nil {
				r.log.WithError(err).WithField("event", event).Warn("discarding event")
			}
		}))
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// Apply patches the cache for env. Events that reference entries missing
// from the cache are ignored; only malformed or unknown events return an error.
func (r *Reconciler) Apply(env domain.Envelope) error {
	boardID, err := r.apply(env)
	switch {
	case errors.Is(err, domain.ErrStaleEvent):
		r.log.WithFields(log.Fields{"event": env.Event, "board_id": boardID}).WithError(err).Debug("stale event ignored")
		return nil
	case err != nil:
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	return nil
}

func stale(what string) error {
	return fmt.Errorf("%w: %s not cached", domain.ErrStaleEvent, what)
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func (r *Reconciler) apply(env domain.Envelope) (string, error) {
	switch env.Event {
	case domain.BoardUpdated:
		p, err := decode[domain.BoardUpdatedEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.Board.ID, r.boardUpdated(p.Board)
	case domain.BoardDeleted:
		p, err := decode[domain.BoardDeletedEventData](env.Data)
		if err != nil {
			return "", err
		}
		r.boardDeleted(p.BoardID)
		return p.BoardID, nil
	case domain.BoardMemberAdded:
		p, err := decode[domain.MemberAddedEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.memberAdded(p)
	case domain.ListCreated:
		p, err := decode[domain.ListEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.listCreated(p.BoardID, p.List)
	case domain.ListUpdated:
		p, err := decode[domain.ListEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.listUpdated(p.BoardID, p.List)
	case domain.ListDeleted:
		p, err := decode[domain.ListDeletedEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.listDeleted(p.BoardID, p.ListID)
	case domain.ListReordered:
		p, err := decode[domain.ListsReorderedEventData](env.Data)
		if err != nil {
			return "", err
		}
		if r.suppressed(env.Event, p.BoardID) {
			return p.BoardID, nil
		}
		return p.BoardID, r.listsReordered(p.BoardID, p.OrderedIDs)
	case domain.TaskCreated:
		p, err := decode[domain.TaskCreatedEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.taskCreated(p.BoardID, p.ListID, p.Task)
	case domain.TaskUpdated:
		p, err := decode[domain.TaskUpdatedEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.taskUpdated(p.BoardID, p.Task)
	case domain.TaskDeleted:
		p, err := decode[domain.TaskDeletedEventData](env.Data)
		if err != nil {
			return "", err
		}
		return p.BoardID, r.taskDeleted(p.BoardID, p.ListID, p.TaskID)
	case domain.TaskMoved:
		p, err := decode[domain.TaskMovedEventData](env.Data)
		if err != nil {
			return "", err
		}
		if r.suppressed(env.Event, p.BoardID) {
			return p.BoardID, nil
		}
		return p.BoardID, r.taskMoved(p)
	case domain.TaskReordered:
		p, err := decode[domain.TasksReorderedEventData](env.Data)
		if err != nil {
			return "", err
		}
		if r.suppressed(env.Event, p.BoardID) {
			return p.BoardID, nil
		}
		return p.BoardID, r.tasksReordered(p.BoardID, p.ListID, p.OrderedIDs)
	}
	return "", ErrUnknownEvent
}

func (r *Reconciler) suppressed(event, boardID string) bool {
	if !r.gate.Active(boardID) {
		return false
	}
	r.log.WithFields(log.Fields{"event": event, "board_id": boardID}).Debug("drag in progress, event dropped")
	return true
}

func (r *Reconciler) boardUpdated(b domain.Board) error {
	inIndex := r.store.UpdateBoards(func(bs []domain.Board) []domain.Board {
		if i := indexOfBoard(bs, b.ID); i >= 0 {
			bs[i] = b
		}
		return bs
	})
	if _, ok := r.store.Board(b.ID); !ok {
		if inIndex {
			return nil
		}
		return stale("board")
	}
	r.store.UpdateBoard(b.ID, func(domain.Board) domain.Board { return b })
	return nil
}

func (r *Reconciler) boardDeleted(boardID string) {
	r.store.EvictBoard(boardID)
	r.store.UpdateBoards(func(bs []domain.Board) []domain.Board {
		if i := indexOfBoard(bs, boardID); i >= 0 {
			return append(bs[:i], bs[i+1:]...)
		}
		return bs
	})
}

func (r *Reconciler) memberAdded(p domain.MemberAddedEventData) error {
	m := domain.Member{ID: p.UserID, Name: p.Name, Email: p.Email}
	add := func(b domain.Board) domain.Board {
		b.AddMember(m)
		return b
	}
	r.store.UpdateBoards(func(bs []domain.Board) []domain.Board {
		if i := indexOfBoard(bs, p.BoardID); i >= 0 {
			bs[i] = add(bs[i])
		}
		return bs
	})
	if _, ok := r.store.Board(p.BoardID); !ok {
		return stale("board")
	}
	r.store.UpdateBoard(p.BoardID, add)
	return nil
}

func (r *Reconciler) listCreated(boardID string, l domain.List) error {
	if _, ok := r.store.Lists(boardID); !ok {
		return stale("lists")
	}
	r.store.UpdateLists(boardID, func(ls []domain.List) []domain.List {
		if ordering.IndexOf(ls, l.ID) >= 0 {
			return ls
		}
		return append(ls, l)
	})
	return nil
}

func (r *Reconciler) listUpdated(boardID string, l domain.List) error {
	found := false
	r.store.UpdateLists(boardID, func(ls []domain.List) []domain.List {
		if i := ordering.IndexOf(ls, l.ID); i >= 0 {
			ls[i] = l
			found = true
		}
		return ls
	})
	if !found {
		return stale("list " + l.ID)
	}
	return nil
}

func (r *Reconciler) listDeleted(boardID, listID string) error {
	r.store.DeleteTasks(boardID, listID)
	found := false
	r.store.UpdateLists(boardID, func(ls []domain.List) []domain.List {
		if ordering.IndexOf(ls, listID) < 0 {
			return ls
		}
		found = true
		return ordering.Renumber(ordering.Without(ls, listID))
	})
	if !found {
		return stale("list " + listID)
	}
	return nil
}

func (r *Reconciler) listsReordered(boardID string, orderedIDs []string) error {
	if !r.store.UpdateLists(boardID, func(ls []domain.List) []domain.List {
		return ordering.Arrange(ls, orderedIDs)
	}) {
		if _, ok := r.store.Lists(boardID); !ok {
			return stale("lists")
		}
	}
	return nil
}

func (r *Reconciler) taskCreated(boardID, listID string, t domain.Task) error {
	if listID == "" {
		listID = t.ListID
	}
	if _, ok := r.store.Tasks(boardID, listID); !ok {
		return stale("tasks")
	}
	r.store.UpdateTasks(boardID, listID, func(ts []domain.Task) []domain.Task {
		if ordering.IndexOf(ts, t.ID) >= 0 {
			return ts
		}
		return append(ts, t)
	})
	return nil
}

func (r *Reconciler) taskUpdated(boardID string, t domain.Task) error {
	found := false
	r.store.UpdateTasks(boardID, t.ListID, func(ts []domain.Task) []domain.Task {
		if i := ordering.IndexOf(ts, t.ID); i >= 0 {
			// Position is owned by reorder and move events.
			t.Order = ts[i].Order
			ts[i] = t
			found = true
		}
		return ts
	})
	if !found {
		return stale("task " + t.ID)
	}
	return nil
}

func (r *Reconciler) taskDeleted(boardID, listID, taskID string) error {
	found := false
	r.store.UpdateTasks(boardID, listID, func(ts []domain.Task) []domain.Task {
		if ordering.IndexOf(ts, taskID) < 0 {
			return ts
		}
		found = true
		return ordering.Renumber(ordering.Without(ts, taskID))
	})
	if !found {
		return stale("task " + taskID)
	}
	return nil
}

func (r *Reconciler) taskMoved(p domain.TaskMovedEventData) error {
	t := p.Task
	dest := p.DestListID
	if dest == "" {
		dest = t.ListID
	}
	t.ListID = dest

	// Moves may arrive out of order, so the task can sit in any cached list,
	// not only the named source.
	for _, listID := range r.store.TaskLists(p.BoardID) {
		if listID == dest {
			continue
		}
		r.store.UpdateTasks(p.BoardID, listID, func(ts []domain.Task) []domain.Task {
			if ordering.IndexOf(ts, t.ID) < 0 {
				return ts
			}
			return ordering.Renumber(ordering.Without(ts, t.ID))
		})
	}
	if _, ok := r.store.Tasks(p.BoardID, dest); !ok {
		return stale("destination tasks")
	}
	r.store.UpdateTasks(p.BoardID, dest, func(ts []domain.Task) []domain.Task {
		rest := ordering.Without(ts, t.ID)
		at := ordering.Clamp(t.Order, 0, len(rest))
		out := make([]domain.Task, 0, len(rest)+1)
		out = append(out, rest[:at]...)
		out = append(out, t)
		out = append(out, rest[at:]...)
		return ordering.Renumber(out)
	})
	return nil
}

func (r *Reconciler) tasksReordered(boardID, listID string, orderedIDs []string) error {
	if _, ok := r.store.Tasks(boardID, listID); !ok {
		return stale("tasks")
	}
	r.store.UpdateTasks(boardID, listID, func(ts []domain.Task) []domain.Task {
		return ordering.Arrange(ts, orderedIDs)
	})
	return nil
}

func indexOfBoard(bs []domain.Board, id string) int {
	for i, b := range bs {
		if b.ID == id {
			return i
		}
	}
	return -1
}

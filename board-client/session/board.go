package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"kanban/board-client/cache"
	"kanban/board-client/mutation"
	"kanban/board-client/restclient"
	"kanban/domain"
	"kanban/ordering"
)

// Board is an open board view. It keeps the board, its lists and their tasks
// cached and current until Close.
type Board struct {
	c  *Client
	id string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	fetching map[cache.Key]bool

	unsubscribe  func()
	offReconnect func()
}

// Open joins the board room and loads the board, its lists and every list's
// tasks into the cache.
func (c *Client) Open(ctx context.Context, boardID string) (*Board, error) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Board{
		c:        c,
		id:       boardID,
		ctx:      bctx,
		cancel:   cancel,
		fetching: make(map[cache.Key]bool),
	}
	// Join before loading so nothing pushed between the two is missed.
	if err := c.sock.Join(ctx, boardID); err != nil {
		c.log.WithError(err).WithField("board_id", boardID).Warn("join board room")
	}
	if err := b.load(ctx); err != nil {
		cancel()
		if lerr := c.sock.Leave(ctx, boardID); lerr != nil {
			c.log.WithError(lerr).WithField("board_id", boardID).Debug("leave board room")
		}
		return nil, err
	}
	b.unsubscribe = c.store.Subscribe(b.onChange)
	b.offReconnect = c.sock.OnReconnect(b.Refresh)
	return b, nil
}

func (b *Board) ID() string { return b.id }

func (b *Board) load(ctx context.Context) error {
	board, err := b.c.api.Board(ctx, b.id)
	if err != nil {
		return err
	}
	lists, err := b.c.api.Lists(ctx, b.id)
	if err != nil {
		return err
	}
	tasks := make(map[string][]domain.Task, len(lists))
	for _, l := range lists {
		ts, err := b.c.api.Tasks(ctx, b.id, l.ID)
		if err != nil {
			return err
		}
		tasks[l.ID] = ts
	}
	b.c.store.SetBoard(board)
	b.c.store.SetLists(b.id, lists)
	for listID, ts := range tasks {
		b.c.store.SetTasks(b.id, listID, ts)
	}
	return nil
}

// Close leaves the room, stops background refreshes and evicts the board
// from the cache.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.unsubscribe()
	b.offReconnect()
	b.cancel()
	b.wg.Wait()
	b.c.gate.End(b.id)
	err := b.c.sock.Leave(ctx, b.id)
	b.c.store.EvictBoard(b.id)
	return err
}

// Snapshot returns the cached board, its lists in order and each list's tasks.
func (b *Board) Snapshot() (domain.Board, []domain.List, map[string][]domain.Task) {
	board, _ := b.c.store.Board(b.id)
	lists, _ := b.c.store.Lists(b.id)
	tasks := make(map[string][]domain.Task, len(lists))
	for _, l := range lists {
		ts, _ := b.c.store.Tasks(b.id, l.ID)
		tasks[l.ID] = ts
	}
	return board, lists, tasks
}

// Refresh refetches everything the view holds.
func (b *Board) Refresh() {
	b.schedule(cache.BoardKey(b.id))
	lists, _ := b.c.store.Lists(b.id)
	for _, l := range lists {
		b.schedule(cache.TasksKey(b.id, l.ID))
	}
}

func (b *Board) onChange(ch cache.Change) {
	if ch.Kind != cache.ChangeInvalidated || !b.owns(ch.Key) {
		return
	}
	b.schedule(ch.Key)
}

func (b *Board) owns(key cache.Key) bool {
	return key == cache.BoardKey(b.id) || strings.HasPrefix(string(key), string(cache.TasksKey(b.id, "")))
}

// schedule refetches key in the background. A request for a key already
// being fetched runs once more after the current fetch.
func (b *Board) schedule(key cache.Key) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, busy := b.fetching[key]; busy {
		b.fetching[key] = true
		b.mu.Unlock()
		return
	}
	b.fetching[key] = false
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			b.refetch(key)
			b.mu.Lock()
			again := b.fetching[key] && !b.closed
			if !again {
				delete(b.fetching, key)
				b.mu.Unlock()
				return
			}
			b.fetching[key] = false
			b.mu.Unlock()
		}
	}()
}

func (b *Board) refetch(key cache.Key) {
	mark := b.c.pipe.Mark()
	entry := b.c.log.WithFields(log.Fields{"board_id": b.id, "key": string(key)})

	if key == cache.BoardKey(b.id) {
		board, err := b.c.api.Board(b.ctx, b.id)
		if b.ctx.Err() != nil {
			return
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrForbidden) {
			entry.WithError(err).Info("board gone")
			b.c.echo(domain.BoardDeleted, domain.BoardDeletedEventData{BoardID: b.id})
			return
		}
		if err != nil {
			entry.WithError(err).Warn("refetch board")
			return
		}
		lists, err := b.c.api.Lists(b.ctx, b.id)
		if err != nil {
			entry.WithError(err).Warn("refetch lists")
			return
		}
		if b.c.pipe.Claimed(key, mark) {
			entry.Debug("refetch superseded")
			return
		}
		b.c.store.SetBoard(board)
		b.c.store.SetLists(b.id, lists)
		for _, l := range lists {
			if _, ok := b.c.store.Tasks(b.id, l.ID); !ok {
				b.schedule(cache.TasksKey(b.id, l.ID))
			}
		}
		return
	}

	listID := strings.TrimPrefix(string(key), string(cache.TasksKey(b.id, "")))
	tasks, err := b.c.api.Tasks(b.ctx, b.id, listID)
	if b.ctx.Err() != nil {
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		b.c.store.DeleteTasks(b.id, listID)
		return
	}
	if err != nil {
		entry.WithError(err).Warn("refetch tasks")
		return
	}
	if b.c.pipe.Claimed(key, mark) {
		entry.Debug("refetch superseded")
		return
	}
	b.c.store.SetTasks(b.id, listID, tasks)
}

// DragStart stops ordering events from reaching the board until the drag ends.
func (b *Board) DragStart() { b.c.gate.Start(b.id) }

// DragCancel ends a drag that produced no change.
func (b *Board) DragCancel() { b.c.gate.End(b.id) }

// DragEndList moves the list at from to index to. The new order shows at
// once and is sent as a full reorder; a failure restores the old order.
// Dropping a list where it started returns a nil Pending.
func (b *Board) DragEndList(ctx context.Context, from, to int) (*mutation.Pending, error) {
	b.c.gate.End(b.id)
	if from == to {
		return nil, nil
	}
	lists, ok := b.c.store.Lists(b.id)
	if !ok {
		return nil, domain.Invalid("lists", "lists are not loaded")
	}
	if _, err := ordering.ReorderLists(lists, from, to); err != nil {
		return nil, err
	}

	var orderedIDs []string
	var applyErr error
	return b.c.pipe.Start(ctx, mutation.Mutation{
		Name: "reorder_lists",
		Keys: []cache.Key{cache.BoardKey(b.id)},
		Apply: func(s *cache.Store) {
			s.UpdateLists(b.id, func(ls []domain.List) []domain.List {
				next, err := ordering.ReorderLists(ls, from, to)
				if err != nil {
					applyErr = err
					return ls
				}
				orderedIDs = ordering.IDs(next)
				return next
			})
		},
		Request: func(ctx context.Context) error {
			if applyErr != nil {
				return applyErr
			}
			_, err := b.c.api.ReorderLists(ctx, b.id, orderedIDs)
			return err
		},
	}), nil
}

// DragEndTask drops the task at from in srcListID into destListID at to.
// Within one list this is a reorder; across lists it is a move that also
// names the source list so a stale move is refused by the server.
func (b *Board) DragEndTask(ctx context.Context, srcListID string, from int, destListID string, to int) (*mutation.Pending, error) {
	b.c.gate.End(b.id)
	if srcListID == destListID && from == to {
		return nil, nil
	}
	src, ok := b.c.store.Tasks(b.id, srcListID)
	if !ok {
		return nil, domain.Invalid("srcListId", "tasks are not loaded")
	}
	if from < 0 || from >= len(src) {
		return nil, &ordering.IndexOutOfRangeError{Index: from, Len: len(src)}
	}
	if srcListID == destListID {
		return b.reorderTasks(ctx, srcListID, from, to), nil
	}
	if _, ok := b.c.store.Tasks(b.id, destListID); !ok {
		return nil, domain.Invalid("destListId", "tasks are not loaded")
	}
	return b.moveTask(ctx, srcListID, from, destListID, to), nil
}

func (b *Board) reorderTasks(ctx context.Context, listID string, from, to int) *mutation.Pending {
	var orderedIDs []string
	var applyErr error
	return b.c.pipe.Start(ctx, mutation.Mutation{
		Name: "reorder_tasks",
		Keys: []cache.Key{cache.TasksKey(b.id, listID)},
		Apply: func(s *cache.Store) {
			s.UpdateTasks(b.id, listID, func(ts []domain.Task) []domain.Task {
				next, err := ordering.ReorderWithinList(ts, from, to)
				if err != nil {
					applyErr = err
					return ts
				}
				orderedIDs = ordering.IDs(next)
				return next
			})
		},
		Request: func(ctx context.Context) error {
			if applyErr != nil {
				return applyErr
			}
			_, err := b.c.api.ReorderTasks(ctx, b.id, listID, orderedIDs)
			return err
		},
	})
}

func (b *Board) moveTask(ctx context.Context, srcListID string, from int, destListID string, to int) *mutation.Pending {
	var moved domain.Task
	var applyErr error
	return b.c.pipe.Start(ctx, mutation.Mutation{
		Name: "move_task",
		Keys: []cache.Key{cache.TasksKey(b.id, srcListID), cache.TasksKey(b.id, destListID)},
		Apply: func(s *cache.Store) {
			src, _ := s.Tasks(b.id, srcListID)
			dst, _ := s.Tasks(b.id, destListID)
			res, err := ordering.MoveAcrossLists(src, dst, from, to, destListID)
			if err != nil {
				applyErr = err
				return
			}
			moved = res.Item
			s.SetTasks(b.id, srcListID, res.Source)
			s.SetTasks(b.id, destListID, res.Dest)
		},
		Request: func(ctx context.Context) error {
			if applyErr != nil {
				return applyErr
			}
			_, err := b.c.api.MoveTask(ctx, b.id, moved.ID, restclient.MoveRequest{
				SrcListID:  srcListID,
				DestListID: destListID,
				NewOrder:   moved.Order,
			})
			return err
		},
	})
}

// UpdateBoard sends the patch and caches the result only once the server
// accepts it. Only the owner may update a board.
func (b *Board) UpdateBoard(ctx context.Context, patch domain.BoardPatch) (domain.Board, error) {
	if patch.Title != nil {
		title, err := required("title", *patch.Title)
		if err != nil {
			return domain.Board{}, err
		}
		patch.Title = &title
	}
	board, err := b.c.api.UpdateBoard(ctx, b.id, patch)
	if err != nil {
		return domain.Board{}, b.c.fail("update_board", err)
	}
	b.c.echo(domain.BoardUpdated, domain.BoardUpdatedEventData{Board: board})
	return board, nil
}

// Share adds the user registered under email as a member.
func (b *Board) Share(ctx context.Context, email string) (domain.Board, error) {
	email, err := required("email", email)
	if err != nil {
		return domain.Board{}, err
	}
	board, err := b.c.api.ShareBoard(ctx, b.id, email)
	if err != nil {
		return domain.Board{}, b.c.fail("share_board", err)
	}
	b.c.echo(domain.BoardUpdated, domain.BoardUpdatedEventData{Board: board})
	return board, nil
}

// Delete deletes the board. The view is unusable afterwards and should be closed.
func (b *Board) Delete(ctx context.Context) error {
	return b.c.DeleteBoard(ctx, b.id)
}

func (b *Board) CreateList(ctx context.Context, title string) (domain.List, error) {
	title, err := required("title", title)
	if err != nil {
		return domain.List{}, err
	}
	l, err := b.c.api.CreateList(ctx, b.id, title)
	if err != nil {
		return domain.List{}, b.c.fail("create_list", err)
	}
	b.c.echo(domain.ListCreated, domain.ListEventData{BoardID: b.id, List: l})
	if _, ok := b.c.store.Tasks(b.id, l.ID); !ok {
		b.c.store.SetTasks(b.id, l.ID, nil)
	}
	return l, nil
}

func (b *Board) RenameList(ctx context.Context, listID, title string) (domain.List, error) {
	title, err := required("title", title)
	if err != nil {
		return domain.List{}, err
	}
	l, err := b.c.api.UpdateList(ctx, b.id, listID, domain.ListPatch{Title: &title})
	if err != nil {
		return domain.List{}, b.c.fail("update_list", err)
	}
	b.c.echo(domain.ListUpdated, domain.ListEventData{BoardID: b.id, List: l})
	return l, nil
}

func (b *Board) DeleteList(ctx context.Context, listID string) error {
	if err := b.c.api.DeleteList(ctx, b.id, listID); err != nil {
		return b.c.fail("delete_list", err)
	}
	b.c.echo(domain.ListDeleted, domain.ListDeletedEventData{BoardID: b.id, ListID: listID})
	return nil
}

func (b *Board) CreateTask(ctx context.Context, listID string, in restclient.TaskInput) (domain.Task, error) {
	title, err := required("title", in.Title)
	if err != nil {
		return domain.Task{}, err
	}
	in.Title = title
	t, err := b.c.api.CreateTask(ctx, b.id, listID, in)
	if err != nil {
		return domain.Task{}, b.c.fail("create_task", err)
	}
	b.c.echo(domain.TaskCreated, domain.TaskCreatedEventData{BoardID: b.id, ListID: listID, Task: t})
	return t, nil
}

func (b *Board) UpdateTask(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if patch.Title != nil {
		title, err := required("title", *patch.Title)
		if err != nil {
			return domain.Task{}, err
		}
		patch.Title = &title
	}
	t, err := b.c.api.UpdateTask(ctx, b.id, taskID, patch)
	if err != nil {
		return domain.Task{}, b.c.fail("update_task", err)
	}
	b.c.echo(domain.TaskUpdated, domain.TaskUpdatedEventData{BoardID: b.id, Task: t})
	return t, nil
}

func (b *Board) DeleteTask(ctx context.Context, listID, taskID string) error {
	if err := b.c.api.DeleteTask(ctx, b.id, taskID); err != nil {
		return b.c.fail("delete_task", err)
	}
	b.c.echo(domain.TaskDeleted, domain.TaskDeletedEventData{BoardID: b.id, ListID: listID, TaskID: taskID})
	return nil
}

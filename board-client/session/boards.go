package session

import (
	"context"
	"sync"

	"kanban/board-client/cache"
	"kanban/domain"
)

// BoardsWatcher keeps the boards index current. It joins the room of every
// listed board so renames and deletions made elsewhere show up.
type BoardsWatcher struct {
	c *Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool

	unsubscribe  func()
	offReconnect func()
}

// WatchBoards loads the boards index and joins every board in it.
func (c *Client) WatchBoards(ctx context.Context) (*BoardsWatcher, error) {
	boards, err := c.api.Boards(ctx)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &BoardsWatcher{
		c:      c,
		ctx:    wctx,
		cancel: cancel,
		joined: make(map[string]struct{}),
	}
	c.store.SetBoards(boards)
	w.sync(ctx)
	w.unsubscribe = c.store.Subscribe(w.onChange)
	w.offReconnect = c.sock.OnReconnect(w.Refresh)
	return w, nil
}

// Boards returns the cached index, newest first.
func (w *BoardsWatcher) Boards() []domain.Board {
	bs, _ := w.c.store.Boards()
	return bs
}

func (w *BoardsWatcher) onChange(ch cache.Change) {
	if ch.Key != cache.BoardsKey() {
		return
	}
	switch ch.Kind {
	case cache.ChangeInvalidated:
		w.Refresh()
	default:
		w.background(w.sync)
	}
}

// Refresh refetches the index in the background.
func (w *BoardsWatcher) Refresh() {
	w.background(func(ctx context.Context) {
		boards, err := w.c.api.Boards(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.c.log.WithError(err).Warn("refetch boards")
			}
			return
		}
		w.c.store.SetBoards(boards)
	})
}

func (w *BoardsWatcher) background(fn func(ctx context.Context)) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

// sync joins boards that entered the index and leaves those that left it.
func (w *BoardsWatcher) sync(ctx context.Context) {
	bs, _ := w.c.store.Boards()
	want := make(map[string]struct{}, len(bs))
	for _, b := range bs {
		want[b.ID] = struct{}{}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	var join, leave []string
	for id := range want {
		if _, ok := w.joined[id]; !ok {
			w.joined[id] = struct{}{}
			join = append(join, id)
		}
	}
	for id := range w.joined {
		if _, ok := want[id]; !ok {
			delete(w.joined, id)
			leave = append(leave, id)
		}
	}
	w.mu.Unlock()

	for _, id := range join {
		if err := w.c.sock.Join(ctx, id); err != nil {
			w.c.log.WithError(err).WithField("board_id", id).Warn("join board room")
		}
	}
	for _, id := range leave {
		if err := w.c.sock.Leave(ctx, id); err != nil {
			w.c.log.WithError(err).WithField("board_id", id).Warn("leave board room")
		}
	}
}

// Joined returns the number of rooms the watcher holds.
func (w *BoardsWatcher) Joined() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.joined)
}

// Close leaves every room the watcher joined.
func (w *BoardsWatcher) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.unsubscribe()
	w.offReconnect()
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	joined := w.joined
	w.joined = make(map[string]struct{})
	w.mu.Unlock()

	var firstErr error
	for id := range joined {
		if err := w.c.sock.Leave(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

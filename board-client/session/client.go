package session

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"kanban/board-client/cache"
	"kanban/board-client/mutation"
	"kanban/board-client/reconciler"
	"kanban/board-client/restclient"
	"kanban/domain"
)

// Client owns the reconciler and mutation pipeline of one signed-in user.
// Board views and the boards watcher opened from it share its cache.
type Client struct {
	api    API
	sock   Socket
	store  *cache.Store
	gate   *reconciler.DragGate
	notify Notifier
	log    log.FieldLogger

	rec    *reconciler.Reconciler
	pipe   *mutation.Pipeline
	unbind func()
}

// NewClient binds a reconciler to the socket. Call Close to unbind it.
func NewClient(d Deps) *Client {
	d = d.withDefaults()
	c := &Client{
		api:    d.API,
		sock:   d.Socket,
		store:  d.Store,
		gate:   d.Gate,
		notify: d.Notifier,
		log:    d.Logger,
	}
	c.rec = reconciler.New(c.store, c.gate, c.log)
	c.pipe = mutation.New(c.store, c.notify, c.log)
	c.unbind = c.rec.Bind(c.sock)
	return c
}

func (c *Client) Store() *cache.Store { return c.store }

// Close stops applying pushed events. Open boards and watchers are not closed.
func (c *Client) Close() {
	if c.unbind != nil {
		c.unbind()
		c.unbind = nil
	}
}

// fail surfaces a user-initiated failure once and hands it back.
func (c *Client) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	c.log.WithError(err).WithField("op", op).Warn("request failed")
	c.notify.Notify(err.Error())
	return err
}

// echo applies the event the server will push for a successful write, so the
// cache does not wait on the socket. Applying it again on arrival is a no-op.
func (c *Client) echo(event string, payload any) {
	env, err := domain.NewEnvelope(event, "", payload)
	if err != nil {
		c.log.WithError(err).WithField("event", event).Error("encode echo")
		return
	}
	if err := c.rec.Apply(env); err != nil {
		c.log.WithError(err).WithField("event", event).Warn("apply echo")
	}
}

func required(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", domain.Invalid(field, field+" is required")
	}
	return value, nil
}

// CreateBoard creates a board and puts it at the head of the cached index.
func (c *Client) CreateBoard(ctx context.Context, in restclient.BoardInput) (domain.Board, error) {
	title, err := required("title", in.Title)
	if err != nil {
		return domain.Board{}, err
	}
	in.Title = title
	b, err := c.api.CreateBoard(ctx, in)
	if err != nil {
		return domain.Board{}, c.fail("create_board", err)
	}
	c.store.UpdateBoards(func(bs []domain.Board) []domain.Board {
		if indexOfBoard(bs, b.ID) >= 0 {
			return bs
		}
		return append([]domain.Board{b}, bs...)
	})
	return b, nil
}

// DeleteBoard deletes a board and drops it from the cache.
func (c *Client) DeleteBoard(ctx context.Context, boardID string) error {
	if err := c.api.DeleteBoard(ctx, boardID); err != nil {
		return c.fail("delete_board", err)
	}
	c.echo(domain.BoardDeleted, domain.BoardDeletedEventData{BoardID: boardID})
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

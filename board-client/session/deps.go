// Package session drives one open board: it loads the cache, keeps it in
// sync with pushed events and turns user gestures into mutations.
package session

import (
	"context"

	log "github.com/sirupsen/logrus"

	"kanban/board-client/cache"
	"kanban/board-client/reconciler"
	"kanban/board-client/restclient"
	"kanban/domain"
)

// API is the REST surface a session uses. *restclient.Client implements it.
type API interface {
	CreateBoard(ctx context.Context, in restclient.BoardInput) (domain.Board, error)
	Boards(ctx context.Context) ([]domain.Board, error)
	Board(ctx context.Context, boardID string) (domain.Board, error)
	UpdateBoard(ctx context.Context, boardID string, patch domain.BoardPatch) (domain.Board, error)
	DeleteBoard(ctx context.Context, boardID string) error
	ShareBoard(ctx context.Context, boardID, email string) (domain.Board, error)

	Lists(ctx context.Context, boardID string) ([]domain.List, error)
	CreateList(ctx context.Context, boardID, title string) (domain.List, error)
	UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error)
	DeleteList(ctx context.Context, boardID, listID string) error
	ReorderLists(ctx context.Context, boardID string, orderedIDs []string) ([]domain.List, error)

	Tasks(ctx context.Context, boardID, listID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, boardID, listID string, in restclient.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, boardID, taskID string) error
	MoveTask(ctx context.Context, boardID, taskID string, in restclient.MoveRequest) (domain.Task, error)
	ReorderTasks(ctx context.Context, boardID, listID string, orderedIDs []string) ([]domain.Task, error)
}

// Socket is the realtime connection a session uses. *socket.Conn implements it.
type Socket interface {
	reconciler.Subscriber
	Join(ctx context.Context, boardID string) error
	Leave(ctx context.Context, boardID string) error
	OnReconnect(fn func()) (off func())
}

// Deps are shared by every session of one signed-in user.
type Deps struct {
	API      API
	Socket   Socket
	Store    *cache.Store
	Gate     *reconciler.DragGate
	Notifier Notifier
	Logger   log.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = cache.New()
	}
	if d.Gate == nil {
		d.Gate = reconciler.NewDragGate()
	}
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{Logger: d.Logger}
	}
	return d
}

// Notifier shows a short, transient message to the user.
type Notifier interface {
	Notify(msg string)
}

// LogNotifier writes notices to the log. It is what the CLI uses.
type LogNotifier struct {
	Logger log.FieldLogger
}

func (n LogNotifier) Notify(msg string) {
	n.Logger.WithField("notice", true).Warn(msg)
}

// NotifierFunc adapts a func to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

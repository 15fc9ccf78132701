// Package service holds the board, list and task rules. Every mutation is
// persisted first and then announced to the board's room.
package service

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

// Store defines the persistence the services rely on.
type Store interface {
	SaveBoard(ctx context.Context, b domain.Board) error
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	BoardsForUser(ctx context.Context, userID string) ([]domain.Board, error)
	AddMembership(ctx context.Context, userID, boardID string) error
	DeleteBoard(ctx context.Context, boardID string) error
	UpsertUser(ctx context.Context, u domain.User) error
	FindUserByEmail(ctx context.Context, email string) (domain.User, error)
	Lists(ctx context.Context, boardID string) ([]domain.List, error)
	SaveLists(ctx context.Context, lists ...domain.List) error
	DeleteList(ctx context.Context, boardID, listID string) error
	Tasks(ctx context.Context, boardID, listID string) ([]domain.Task, error)
	GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error)
	SaveTasks(ctx context.Context, tasks ...domain.Task) error
	DeleteTask(ctx context.Context, boardID, taskID string) error
}

// taskEvicter is implemented by caching stores that must hear about a list
// losing its last task.
type taskEvicter interface {
	EvictTasks(ctx context.Context, boardID, listID string)
}

// Publisher delivers events to the board room.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

type deps struct {
	st     Store
	events Publisher
	log    log.FieldLogger
	now    func() time.Time
}

// Services groups the rule sets sharing one store and publisher.
type Services struct {
	Boards BoardService
	Lists  ListService
	Tasks  TaskService
	Users  *UserService
}

func New(st Store, events Publisher, logger log.FieldLogger) Services {
	if logger == nil {
		logger = log.StandardLogger()
	}
	d := deps{st: st, events: events, log: logger, now: time.Now}
	return Services{
		Boards: BoardService{d},
		Lists:  ListService{d},
		Tasks:  TaskService{d},
		Users:  NewUserService(st),
	}
}

// publish announces an already persisted change. Delivery failures are
// logged; the write has happened and the next fetch heals any client.
func (d deps) publish(ctx context.Context, event, boardID string, payload any) {
	env, err := domain.NewEnvelope(event, boardID, payload)
	if err != nil {
		d.log.WithError(err).WithField("event", event).Error("encode event")
		return
	}
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, env); err != nil {
		d.log.WithError(err).WithFields(log.Fields{"event": event, "board_id": boardID}).Error("publish event")
	}
}

// accessibleBoard loads boardID and checks that userID is its owner or a member.
func (d deps) accessibleBoard(ctx context.Context, userID, boardID string) (domain.Board, error) {
	b, err := d.st.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if !b.HasAccess(userID) {
		return domain.Board{}, domain.Forbidden("forbidden: no access to this board")
	}
	return b, nil
}

// ownedBoard loads boardID and checks that userID owns it.
func (d deps) ownedBoard(ctx context.Context, userID, boardID, action string) (domain.Board, error) {
	b, err := d.st.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if !b.IsOwner(userID) {
		return domain.Board{}, domain.Forbidden("forbidden: only the board owner can " + action)
	}
	return b, nil
}

func requireTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", domain.Invalid("title", "title is required")
	}
	return title, nil
}

package restclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban/board-api/api"
	"kanban/board-api/service"
	"kanban/board-api/storage"
	"kanban/domain"
	"kanban/ordering"
)

const secret = "client-secret"

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Envelope) error { return nil }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("LOCAL_AUTH_MODE", "hs256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", secret)

	logger, _ := test.NewNullLogger()
	svc := service.New(storage.NewMemory(), nopPublisher{}, logger)
	e := echo.New()
	api.Register(e, svc, api.NewAuth(nil, "", ""), nil, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(t *testing.T, srv *httptest.Server, id, email string) *Client {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   id,
		"name":  id,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return New(srv.URL+"/", tok)
}

func TestBoardListTaskRoundTrip(t *testing.T) {
	srv := newServer(t)
	c := clientFor(t, srv, "owner", "owner@example.com")
	ctx := context.Background()

	b, err := c.CreateBoard(ctx, BoardInput{Title: "Sprint", BackgroundColor: "#fff"})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	l1, err := c.CreateList(ctx, b.ID, "L1")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	l2, _ := c.CreateList(ctx, b.ID, "L2")

	lists, err := c.ReorderLists(ctx, b.ID, []string{l2.ID, l1.ID})
	if err != nil {
		t.Fatalf("reorder lists: %v", err)
	}
	if ids := ordering.IDs(lists); ids[0] != l2.ID || lists[1].Order != 1 {
		t.Fatalf("unexpected lists: %+v", lists)
	}

	task, err := c.CreateTask(ctx, b.ID, l1.ID, TaskInput{Title: "Write"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	moved, err := c.MoveTask(ctx, b.ID, task.ID, MoveRequest{SrcListID: l1.ID, DestListID: l2.ID, NewOrder: 0})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ListID != l2.ID {
		t.Fatalf("unexpected moved task: %+v", moved)
	}
	if _, err := c.MoveTask(ctx, b.ID, task.ID, MoveRequest{SrcListID: l1.ID, DestListID: l1.ID}); !errors.Is(err, domain.ErrConflict) || !IsStale(err) {
		t.Fatalf("expected stale conflict, got %v", err)
	}

	title := "Renamed"
	if _, err := c.UpdateTask(ctx, b.ID, task.ID, domain.TaskPatch{Title: &title}); err != nil {
		t.Fatalf("update task: %v", err)
	}
	tasks, err := c.Tasks(ctx, b.ID, l2.ID)
	if err != nil || len(tasks) != 1 || tasks[0].Title != title {
		t.Fatalf("unexpected tasks %+v: %v", tasks, err)
	}
	if err := c.DeleteTask(ctx, b.ID, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if err := c.DeleteList(ctx, b.ID, l1.ID); err != nil {
		t.Fatalf("delete list: %v", err)
	}
	boards, err := c.Boards(ctx)
	if err != nil || len(boards) != 1 || boards[0].BackgroundColor != "#fff" {
		t.Fatalf("unexpected boards %+v: %v", boards, err)
	}
	if err := c.DeleteBoard(ctx, b.ID); err != nil {
		t.Fatalf("delete board: %v", err)
	}
	if _, err := c.Board(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestAPIErrorsCarryServerMessage(t *testing.T) {
	srv := newServer(t)
	owner := clientFor(t, srv, "owner", "owner@example.com")
	member := clientFor(t, srv, "member", "member@example.com")
	ctx := context.Background()

	b, err := owner.CreateBoard(ctx, BoardInput{Title: "Shared"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := member.Boards(ctx); err != nil {
		t.Fatalf("register member: %v", err)
	}

	_, err = owner.ShareBoard(ctx, b.ID, "ghost@example.com")
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "User with this email does not exist" {
		t.Fatalf("unexpected share error: %#v", err)
	}
	if _, err := owner.ShareBoard(ctx, b.ID, "member@example.com"); err != nil {
		t.Fatalf("share: %v", err)
	}

	title := "Mine now"
	_, err = member.UpdateBoard(ctx, b.ID, domain.BoardPatch{Title: &title})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err.Error() != "forbidden: only the board owner can update this board" {
		t.Fatalf("expected server message, got %q", err.Error())
	}

	if _, err := owner.CreateList(ctx, b.ID, "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := New(srv.URL, "tok")
	_, err := c.Boards(context.Background())
	if !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	var netErr domain.NetworkError
	if !errors.As(err, &netErr) || netErr.Op != "GET /api/boards" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestMissingErrorBodyFallsBackToStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := New(srv.URL, "").Boards(context.Background())
	if err == nil || err.Error() != http.StatusText(http.StatusBadGateway) {
		t.Fatalf("unexpected error: %v", err)
	}
}

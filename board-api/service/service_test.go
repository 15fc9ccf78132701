package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"kanban/board-api/storage"
	"kanban/domain"
	"kanban/ordering"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Envelope
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

func (p *recordingPublisher) last(t *testing.T, dst any) domain.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		t.Fatalf("no events published")
	}
	env := p.events[len(p.events)-1]
	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			t.Fatalf("decode %s payload: %v", env.Event, err)
		}
	}
	return env
}

var (
	owner  = domain.User{ID: "owner", Name: "Olive", Email: "olive@example.com"}
	member = domain.User{ID: "member", Name: "Mo", Email: "mo@example.com"}
)

type fixture struct {
	svc   Services
	store *storage.Memory
	pub   *recordingPublisher
	board domain.Board
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	pub := &recordingPublisher{}
	logger, _ := test.NewNullLogger()
	svc := New(store, pub, logger)
	ctx := context.Background()
	for _, u := range []domain.User{owner, member} {
		if err := svc.Users.Ensure(ctx, u); err != nil {
			t.Fatalf("ensure user: %v", err)
		}
	}
	b, err := svc.Boards.Create(ctx, owner, CreateBoardInput{Title: "  Roadmap "})
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return &fixture{svc: svc, store: store, pub: pub, board: b}
}

func (f *fixture) lists(t *testing.T, titles ...string) []domain.List {
	t.Helper()
	out := make([]domain.List, len(titles))
	for i, title := range titles {
		l, err := f.svc.Lists.Create(context.Background(), owner.ID, f.board.ID, title)
		if err != nil {
			t.Fatalf("create list: %v", err)
		}
		out[i] = l
	}
	return out
}

func (f *fixture) tasks(t *testing.T, listID string, titles ...string) []domain.Task {
	t.Helper()
	out := make([]domain.Task, len(titles))
	for i, title := range titles {
		task, err := f.svc.Tasks.Create(context.Background(), owner.ID, f.board.ID, listID, CreateTaskInput{Title: title})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		out[i] = task
	}
	return out
}

func TestCreateBoardTrimsAndValidates(t *testing.T) {
	f := newFixture(t)
	if f.board.Title != "Roadmap" || f.board.Owner.ID != owner.ID || f.board.Members == nil {
		t.Fatalf("unexpected board: %+v", f.board)
	}
	_, err := f.svc.Boards.Create(context.Background(), owner, CreateBoardInput{Title: "   "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateBoardOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Boards.Share(ctx, owner.ID, f.board.ID, member.Email); err != nil {
		t.Fatalf("share: %v", err)
	}

	title := "Renamed"
	_, err := f.svc.Boards.Update(ctx, member.ID, f.board.ID, domain.BoardPatch{Title: &title})
	if !errors.Is(err, domain.ErrForbidden) || !strings.Contains(err.Error(), "forbidden") {
		t.Fatalf("expected forbidden, got %v", err)
	}

	f.svc.Boards.now = func() time.Time { return f.board.UpdatedAt.Add(time.Minute) }
	got, err := f.svc.Boards.Update(ctx, owner.ID, f.board.ID, domain.BoardPatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "Renamed" || !got.UpdatedAt.After(f.board.UpdatedAt) {
		t.Fatalf("unexpected board after update: %+v", got)
	}
	var payload domain.BoardUpdatedEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.BoardUpdated || payload.Board.Title != "Renamed" {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}
}

func TestShareBoardRules(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		caller string
		board  string
		email  string
		want   error
		msg    string
	}{
		{name: "missing board", caller: owner.ID, board: "nope", email: member.Email, want: domain.ErrNotFound},
		{name: "not owner", caller: member.ID, email: member.Email, want: domain.ErrForbidden},
		{name: "unknown email", caller: owner.ID, email: "ghost@example.com", want: domain.ErrNotFound, msg: "User with this email does not exist"},
		{name: "own email", caller: owner.ID, email: owner.Email, want: domain.ErrValidation},
		{name: "empty email", caller: owner.ID, email: " ", want: domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			boardID := tt.board
			if boardID == "" {
				boardID = f.board.ID
			}
			_, err := f.svc.Boards.Share(ctx, tt.caller, boardID, tt.email)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.msg != "" && err.Error() != tt.msg {
				t.Fatalf("unexpected message %q", err.Error())
			}
			if len(f.pub.names()) != 0 {
				t.Fatalf("rejected share must not emit, got %v", f.pub.names())
			}
		})
	}
}

func TestShareBoardAddsMemberOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Boards.Share(ctx, owner.ID, f.board.ID, "MO@example.com")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !b.HasMember(member.ID) {
		t.Fatalf("expected member added: %+v", b.Members)
	}
	var payload domain.MemberAddedEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.BoardMemberAdded || payload.UserID != member.ID || payload.Email != member.Email || payload.Name != member.Name {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}

	shared, err := f.svc.Boards.List(ctx, member.ID)
	if err != nil || len(shared) != 1 {
		t.Fatalf("expected board visible to member, got %+v %v", shared, err)
	}

	_, err = f.svc.Boards.Share(ctx, owner.ID, f.board.ID, member.Email)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate share rejected, got %v", err)
	}
}

func TestDeleteBoardCascadesAndEmits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ls := f.lists(t, "Todo")
	f.tasks(t, ls[0].ID, "one")

	if err := f.svc.Boards.Delete(ctx, member.ID, f.board.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	if err := f.svc.Boards.Delete(ctx, owner.ID, f.board.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.store.GetBoard(ctx, f.board.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected board gone, got %v", err)
	}
	var payload domain.BoardDeletedEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.BoardDeleted || payload.BoardID != f.board.ID || env.BoardID != f.board.ID {
		t.Fatalf("unexpected event: %+v", env)
	}
}

func TestListAccessRequiresMembership(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Lists.Create(context.Background(), "stranger", f.board.ID, "Todo")
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = f.svc.Lists.Create(context.Background(), owner.ID, f.board.ID, "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateListAppendsAndEmits(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "Todo", "Doing")
	if ls[0].Order != 0 || ls[1].Order != 1 {
		t.Fatalf("unexpected orders: %+v", ls)
	}
	var payload domain.ListEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.ListCreated || payload.List.ID != ls[1].ID {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}
}

func TestReorderListsEmitsAuthoritativeOrder(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "L1", "L2")

	out, err := f.svc.Lists.Reorder(context.Background(), owner.ID, f.board.ID, []string{ls[1].ID, ls[0].ID})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	want := []string{ls[1].ID, ls[0].ID}
	if !reflect.DeepEqual(ordering.IDs(out), want) {
		t.Fatalf("unexpected order: %v", ordering.IDs(out))
	}
	var payload domain.ListsReorderedEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.ListReordered || !reflect.DeepEqual(payload.OrderedIDs, want) {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}
	stored, _ := f.store.Lists(context.Background(), f.board.ID)
	if !reflect.DeepEqual(ordering.IDs(stored), want) {
		t.Fatalf("store not updated: %v", ordering.IDs(stored))
	}
}

func TestReorderListsKeepsUnmentionedLists(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "A", "B", "C")
	out, err := f.svc.Lists.Reorder(context.Background(), owner.ID, f.board.ID, []string{ls[2].ID, "ghost", ls[0].ID})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	want := []string{ls[2].ID, ls[0].ID, ls[1].ID}
	if !reflect.DeepEqual(ordering.IDs(out), want) {
		t.Fatalf("got %v, want %v", ordering.IDs(out), want)
	}
	if _, err := f.svc.Lists.Reorder(context.Background(), owner.ID, f.board.ID, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty order, got %v", err)
	}
}

func TestDeleteListRenumbersRemaining(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "A", "B", "C")
	if err := f.svc.Lists.Delete(context.Background(), owner.ID, f.board.ID, ls[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rest, _ := f.store.Lists(context.Background(), f.board.ID)
	if len(rest) != 2 || rest[0].Order != 0 || rest[1].Order != 1 {
		t.Fatalf("expected dense orders, got %+v", rest)
	}
	if env := f.pub.last(t, nil); env.Event != domain.ListDeleted {
		t.Fatalf("unexpected event %s", env.Event)
	}
}

func TestMoveTaskAcrossLists(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "A", "B")
	src := f.tasks(t, ls[0].ID, "x", "y")
	f.tasks(t, ls[1].ID, "p", "q")

	moved, err := f.svc.Tasks.Move(context.Background(), member.ID, f.board.ID, src[0].ID, MoveInput{DestListID: ls[1].ID, NewOrder: 1})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden before share, got %v", err)
	}

	moved, err = f.svc.Tasks.Move(context.Background(), owner.ID, f.board.ID, src[0].ID, MoveInput{DestListID: ls[1].ID, NewOrder: 1})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ListID != ls[1].ID || moved.Order != 1 {
		t.Fatalf("unexpected moved task: %+v", moved)
	}

	var payload domain.TaskMovedEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.TaskMoved || payload.SrcListID != ls[0].ID || payload.DestListID != ls[1].ID || payload.Task.Order != 1 {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}

	srcAfter, _ := f.store.Tasks(context.Background(), f.board.ID, ls[0].ID)
	dstAfter, _ := f.store.Tasks(context.Background(), f.board.ID, ls[1].ID)
	if len(srcAfter) != 1 || srcAfter[0].Order != 0 {
		t.Fatalf("unexpected source: %+v", srcAfter)
	}
	if len(dstAfter) != 3 || dstAfter[1].ID != src[0].ID {
		t.Fatalf("unexpected destination: %+v", dstAfter)
	}
}

func TestMoveTaskWithinListEmitsReordered(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "A")
	ts := f.tasks(t, ls[0].ID, "x", "y", "z")

	got, err := f.svc.Tasks.Move(context.Background(), owner.ID, f.board.ID, ts[0].ID, MoveInput{DestListID: ls[0].ID, NewOrder: 9})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got.Order != 2 {
		t.Fatalf("expected clamped order 2, got %d", got.Order)
	}
	var payload domain.TasksReorderedEventData
	env := f.pub.last(t, &payload)
	want := []string{ts[1].ID, ts[2].ID, ts[0].ID}
	if env.Event != domain.TaskReordered || !reflect.DeepEqual(payload.OrderedIDs, want) {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}
}

func TestMoveTaskValidation(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "A")
	ts := f.tasks(t, ls[0].ID, "x")
	ctx := context.Background()

	if _, err := f.svc.Tasks.Move(ctx, owner.ID, f.board.ID, ts[0].ID, MoveInput{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Tasks.Move(ctx, owner.ID, f.board.ID, ts[0].ID, MoveInput{DestListID: "ghost"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown list, got %v", err)
	}
	if _, err := f.svc.Tasks.Move(ctx, owner.ID, f.board.ID, "ghost", MoveInput{DestListID: ls[0].ID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown task, got %v", err)
	}
	if _, err := f.svc.Tasks.Move(ctx, owner.ID, f.board.ID, ts[0].ID, MoveInput{SrcListID: "elsewhere", DestListID: ls[0].ID}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for stale source list, got %v", err)
	}
}

func TestUpdateAndDeleteTask(t *testing.T) {
	f := newFixture(t)
	ls := f.lists(t, "A")
	ts := f.tasks(t, ls[0].ID, "x", "y")
	ctx := context.Background()

	desc := "details"
	got, err := f.svc.Tasks.Update(ctx, owner.ID, f.board.ID, ts[1].ID, domain.TaskPatch{Description: &desc})
	if err != nil || got.Description != "details" || got.Title != "y" {
		t.Fatalf("unexpected update: %+v %v", got, err)
	}
	if env := f.pub.last(t, nil); env.Event != domain.TaskUpdated {
		t.Fatalf("unexpected event %s", env.Event)
	}

	if err := f.svc.Tasks.Delete(ctx, owner.ID, f.board.ID, ts[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var payload domain.TaskDeletedEventData
	env := f.pub.last(t, &payload)
	if env.Event != domain.TaskDeleted || payload.ListID != ls[0].ID || payload.TaskID != ts[0].ID {
		t.Fatalf("unexpected event %s: %+v", env.Event, payload)
	}
	rest, _ := f.store.Tasks(ctx, f.board.ID, ls[0].ID)
	if len(rest) != 1 || rest[0].Order != 0 {
		t.Fatalf("expected dense orders after delete, got %+v", rest)
	}
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("redis down")
	if _, err := f.svc.Lists.Create(context.Background(), owner.ID, f.board.ID, "Todo"); err != nil {
		t.Fatalf("expected write to succeed, got %v", err)
	}
}

func TestUserServiceEnsureCachesProfiles(t *testing.T) {
	store := &countingUsers{}
	svc := NewUserService(store)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := svc.Ensure(ctx, member); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	renamed := member
	renamed.Name = "Morgan"
	_ = svc.Ensure(ctx, renamed)
	if store.calls != 2 {
		t.Fatalf("expected 2 upserts, got %d", store.calls)
	}
	if err := svc.Ensure(ctx, domain.User{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
}

type countingUsers struct{ calls int }

func (c *countingUsers) UpsertUser(context.Context, domain.User) error {
	c.calls++
	return nil
}

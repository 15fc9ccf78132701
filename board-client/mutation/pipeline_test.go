package mutation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"kanban/board-client/cache"
	"kanban/domain"
	"kanban/ordering"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func seeded() *cache.Store {
	s := cache.New()
	s.SetLists("b1", []domain.List{
		{ID: "l1", BoardID: "b1", Title: "L1", Order: 0},
		{ID: "l2", BoardID: "b1", Title: "L2", Order: 1},
	})
	return s
}

func reorder(from, to int) func(*cache.Store) {
	return func(s *cache.Store) {
		s.UpdateLists("b1", func(l []domain.List) []domain.List {
			out, err := ordering.ReorderLists(l, from, to)
			if err != nil {
				return l
			}
			return out
		})
	}
}

func wait(t *testing.T, p *Pending) Transaction {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tx, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return tx
}

func TestFailedRequestRestoresSnapshotExactly(t *testing.T) {
	store := seeded()
	before, _ := store.Lists("b1")
	n := &recordingNotifier{}
	logger, _ := test.NewNullLogger()
	p := New(store, n, logger)

	release := make(chan struct{})
	pending := p.Start(context.Background(), Mutation{
		Name:  "reorder_lists",
		Keys:  []cache.Key{cache.BoardKey("b1")},
		Apply: reorder(1, 0),
		Request: func(context.Context) error {
			<-release
			return &domain.APIError{Status: 403, Message: "forbidden: only the board owner can reorder lists"}
		},
	})

	during, _ := store.Lists("b1")
	if during[0].ID != "l2" || during[0].Order != 0 || during[1].Order != 1 {
		t.Fatalf("speculative write must be visible before the request settles: %+v", during)
	}
	close(release)

	tx := wait(t, pending)
	if tx.State != RolledBack {
		t.Fatalf("expected rolled back, got %v", tx.State)
	}
	after, _ := store.Lists("b1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rollback mismatch:\nbefore %+v\nafter  %+v", before, after)
	}
	if msgs := n.all(); len(msgs) != 1 || msgs[0] != "forbidden: only the board owner can reorder lists" {
		t.Fatalf("unexpected notices: %v", msgs)
	}
}

func TestConfirmedKeepsSpeculativeStateAndInvalidates(t *testing.T) {
	store := seeded()
	var invalidated []cache.Key
	var mu sync.Mutex
	store.Subscribe(func(c cache.Change) {
		if c.Kind == cache.ChangeInvalidated {
			mu.Lock()
			invalidated = append(invalidated, c.Key)
			mu.Unlock()
		}
	})
	n := &recordingNotifier{}
	p := New(store, n, nil)

	tx := wait(t, p.Start(context.Background(), Mutation{
		Name:    "reorder_lists",
		Keys:    []cache.Key{cache.BoardKey("b1")},
		Apply:   reorder(1, 0),
		Request: func(context.Context) error { return nil },
	}))
	if tx.State != Confirmed || tx.Err != nil {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	lists, _ := store.Lists("b1")
	if ordering.IDs(lists)[0] != "l2" {
		t.Fatalf("confirmed state lost: %+v", lists)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(invalidated) != 1 || invalidated[0] != cache.BoardKey("b1") {
		t.Fatalf("expected invalidation of the board key, got %v", invalidated)
	}
	if len(n.all()) != 0 {
		t.Fatalf("success must not notify")
	}
}

func TestRollbackInvalidatesRestoredKeys(t *testing.T) {
	store := seeded()
	var mu sync.Mutex
	var invalidated []cache.Key
	store.Subscribe(func(c cache.Change) {
		if c.Kind == cache.ChangeInvalidated {
			mu.Lock()
			invalidated = append(invalidated, c.Key)
			mu.Unlock()
		}
	})
	p := New(store, &recordingNotifier{}, nil)
	key := cache.BoardKey("b1")

	tx := wait(t, p.Start(context.Background(), Mutation{
		Name:    "reorder_lists",
		Keys:    []cache.Key{key},
		Apply:   reorder(1, 0),
		Request: func(context.Context) error { return errors.New("boom") },
	}))
	if tx.State != RolledBack {
		t.Fatalf("expected rolled back, got %v", tx.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(invalidated) != 1 || invalidated[0] != key {
		t.Fatalf("expected the restored key to be invalidated, got %v", invalidated)
	}
}

func TestSupersededFailureDoesNotOverwriteLaterWrite(t *testing.T) {
	store := seeded()
	n := &recordingNotifier{}
	p := New(store, n, nil)
	key := cache.BoardKey("b1")

	firstRelease := make(chan struct{})
	first := p.Start(context.Background(), Mutation{
		Name:  "first",
		Keys:  []cache.Key{key},
		Apply: reorder(1, 0),
		Request: func(context.Context) error {
			<-firstRelease
			return errors.New("network down")
		},
	})
	second := p.Start(context.Background(), Mutation{
		Name:    "second",
		Keys:    []cache.Key{key},
		Apply:   reorder(1, 0),
		Request: func(context.Context) error { return nil },
	})
	if tx := wait(t, second); tx.State != Confirmed {
		t.Fatalf("expected second confirmed, got %v", tx.State)
	}
	latest, _ := store.Lists("b1")

	close(firstRelease)
	tx := wait(t, first)
	if tx.State != Superseded {
		t.Fatalf("expected first superseded, got %v", tx.State)
	}
	after, _ := store.Lists("b1")
	if !reflect.DeepEqual(latest, after) {
		t.Fatalf("superseded rollback overwrote newer state: %+v", after)
	}
	if msgs := n.all(); len(msgs) != 1 || msgs[0] != "network down" {
		t.Fatalf("superseded failure must still notify once, got %v", msgs)
	}
}

func TestClaimedGuardsRefetch(t *testing.T) {
	store := seeded()
	p := New(store, nil, nil)
	key := cache.BoardKey("b1")

	mark := p.Mark()
	if p.Claimed(key, mark) {
		t.Fatalf("nothing claimed yet")
	}
	release := make(chan struct{})
	pending := p.Start(context.Background(), Mutation{
		Keys:    []cache.Key{key},
		Request: func(context.Context) error { <-release; return nil },
	})
	if !p.Claimed(key, mark) {
		t.Fatalf("in-flight mutation must claim the key")
	}
	close(release)
	wait(t, pending)

	if !p.Claimed(key, mark) {
		t.Fatalf("mutation started after mark must still claim the key")
	}
	if p.Claimed(key, p.Mark()) {
		t.Fatalf("settled mutation before mark must not claim the key")
	}
	if p.Claimed(cache.BoardKey("other"), mark) {
		t.Fatalf("unrelated key must not be claimed")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	p := New(seeded(), nil, nil)
	release := make(chan struct{})
	defer close(release)
	pending := p.Start(context.Background(), Mutation{
		Keys:    []cache.Key{cache.BoardKey("b1")},
		Request: func(context.Context) error { <-release; return nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:               "idle",
		SpeculativeApplied: "speculative_applied",
		Confirmed:          "confirmed",
		RolledBack:         "rolled_back",
		Superseded:         "superseded",
		State(42):          "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

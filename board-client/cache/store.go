// Package cache holds the client's renderable view of boards, lists and
// tasks. Every read returns a copy, so callers never alias store state.
package cache

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"kanban/domain"
)

// Key addresses one cache entry.
type Key string

const boardsKey Key = "boards"

// BoardKey addresses a board together with its lists.
func BoardKey(boardID string) Key { return Key("board:" + boardID) }

// TasksKey addresses the tasks of one list.
func TasksKey(boardID, listID string) Key { return Key("tasks:" + boardID + ":" + listID) }

// BoardsKey addresses the index of boards visible to the user.
func BoardsKey() Key { return boardsKey }

type ChangeKind int

const (
	ChangeSet ChangeKind = iota
	ChangeDeleted
	ChangeInvalidated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSet:
		return "set"
	case ChangeDeleted:
		return "deleted"
	case ChangeInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Change is delivered to subscribers after the store lock is released.
type Change struct {
	Key  Key
	Kind ChangeKind
}

type entry struct {
	board    *domain.Board
	lists    []domain.List
	hasLists bool
	tasks    []domain.Task
	boards   []domain.Board
}

func (e *entry) clone() *entry {
	if e == nil {
		return nil
	}
	out := &entry{hasLists: e.hasLists}
	if e.board != nil {
		b := e.board.Clone()
		out.board = &b
	}
	out.lists = cloneSlice(e.lists)
	out.tasks = cloneSlice(e.tasks)
	if e.boards != nil {
		out.boards = make([]domain.Board, len(e.boards))
		for i, b := range e.boards {
			out.boards[i] = b.Clone()
		}
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append(make([]T, 0, len(in)), in...)
}

// Store is safe for concurrent use. Update methods run their read-modify-write
// under the store lock, so a producer always patches the current value.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	subs    map[int]func(Change)
	nextSub int
}

func New() *Store {
	return &Store{
		entries: make(map[Key]*entry),
		subs:    make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change. The returned func removes it.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// mutate runs fn on the entry for key under the lock. fn receives a copy and
// returns the replacement, or nil to delete. Nothing is written when the
// replacement equals the current value.
func (s *Store) mutate(key Key, fn func(cur *entry) *entry) bool {
	s.mu.Lock()
	cur := s.entries[key]
	next := fn(cur.clone())
	changed := !reflect.DeepEqual(cur, next)
	if changed {
		if next == nil {
			delete(s.entries, key)
		} else {
			s.entries[key] = next
		}
	}
	s.mu.Unlock()
	if changed {
		kind := ChangeSet
		if next == nil {
			kind = ChangeDeleted
		}
		s.emit(Change{Key: key, Kind: kind})
	}
	return changed
}

func (s *Store) read(key Key) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key].clone()
}

func (s *Store) Board(boardID string) (domain.Board, bool) {
	e := s.read(BoardKey(boardID))
	if e == nil || e.board == nil {
		return domain.Board{}, false
	}
	return *e.board, true
}

func (s *Store) SetBoard(b domain.Board) {
	b = b.Clone()
	s.mutate(BoardKey(b.ID), func(cur *entry) *entry {
		if cur == nil {
			cur = &entry{}
		}
		cur.board = &b
		return cur
	})
}

// UpdateBoard patches a cached board. It reports false when the board is not
// cached or fn left it unchanged.
func (s *Store) UpdateBoard(boardID string, fn func(domain.Board) domain.Board) bool {
	return s.mutate(BoardKey(boardID), func(cur *entry) *entry {
		if cur == nil || cur.board == nil {
			return cur
		}
		b := fn(*cur.board).Clone()
		cur.board = &b
		return cur
	})
}

func (s *Store) Lists(boardID string) ([]domain.List, bool) {
	e := s.read(BoardKey(boardID))
	if e == nil || !e.hasLists {
		return nil, false
	}
	return e.lists, true
}

func (s *Store) SetLists(boardID string, lists []domain.List) {
	lists = cloneSlice(lists)
	if lists == nil {
		lists = []domain.List{}
	}
	s.mutate(BoardKey(boardID), func(cur *entry) *entry {
		if cur == nil {
			cur = &entry{}
		}
		cur.lists = lists
		cur.hasLists = true
		return cur
	})
}

// UpdateLists patches the lists of a board. Nothing happens if they were
// never loaded.
func (s *Store) UpdateLists(boardID string, fn func([]domain.List) []domain.List) bool {
	return s.mutate(BoardKey(boardID), func(cur *entry) *entry {
		if cur == nil || !cur.hasLists {
			return cur
		}
		cur.lists = cloneSlice(fn(cur.lists))
		if cur.lists == nil {
			cur.lists = []domain.List{}
		}
		return cur
	})
}

func (s *Store) Tasks(boardID, listID string) ([]domain.Task, bool) {
	e := s.read(TasksKey(boardID, listID))
	if e == nil {
		return nil, false
	}
	return e.tasks, true
}

func (s *Store) SetTasks(boardID, listID string, tasks []domain.Task) {
	tasks = cloneSlice(tasks)
	if tasks == nil {
		tasks = []domain.Task{}
	}
	s.mutate(TasksKey(boardID, listID), func(*entry) *entry {
		return &entry{tasks: tasks}
	})
}

// UpdateTasks patches the tasks of one list. Nothing happens if they were
// never loaded.
func (s *Store) UpdateTasks(boardID, listID string, fn func([]domain.Task) []domain.Task) bool {
	return s.mutate(TasksKey(boardID, listID), func(cur *entry) *entry {
		if cur == nil {
			return nil
		}
		cur.tasks = cloneSlice(fn(cur.tasks))
		if cur.tasks == nil {
			cur.tasks = []domain.Task{}
		}
		return cur
	})
}

func (s *Store) DeleteTasks(boardID, listID string) {
	s.mutate(TasksKey(boardID, listID), func(*entry) *entry { return nil })
}

func (s *Store) Boards() ([]domain.Board, bool) {
	e := s.read(boardsKey)
	if e == nil {
		return nil, false
	}
	return e.boards, true
}

func (s *Store) SetBoards(boards []domain.Board) {
	next := &entry{boards: make([]domain.Board, len(boards))}
	for i, b := range boards {
		next.boards[i] = b.Clone()
	}
	s.mutate(boardsKey, func(*entry) *entry { return next })
}

func (s *Store) UpdateBoards(fn func([]domain.Board) []domain.Board) bool {
	return s.mutate(boardsKey, func(cur *entry) *entry {
		if cur == nil {
			return nil
		}
		out := fn(cur.boards)
		cur.boards = make([]domain.Board, len(out))
		for i, b := range out {
			cur.boards[i] = b.Clone()
		}
		return cur
	})
}

// TaskLists returns the IDs of the board's lists whose tasks are cached, sorted.
func (s *Store) TaskLists(boardID string) []string {
	prefix := string(TasksKey(boardID, ""))
	s.mu.Lock()
	var out []string
	for k := range s.entries {
		if id, ok := strings.CutPrefix(string(k), prefix); ok {
			out = append(out, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// EvictBoard drops the board entry and every task entry of the board.
func (s *Store) EvictBoard(boardID string) {
	board := BoardKey(boardID)
	prefix := string(TasksKey(boardID, ""))
	var removed []Change
	s.mu.Lock()
	for k := range s.entries {
		if k == board || strings.HasPrefix(string(k), prefix) {
			delete(s.entries, k)
			removed = append(removed, Change{Key: k, Kind: ChangeDeleted})
		}
	}
	s.mu.Unlock()
	s.emit(removed...)
}

// Invalidate marks key stale without touching its value. Subscribers are
// expected to refetch.
func (s *Store) Invalidate(key Key) {
	s.emit(Change{Key: key, Kind: ChangeInvalidated})
}

// Snapshot is a deep copy of some entries, including their absence.
type Snapshot struct {
	entries map[Key]*entry
}

// Keys returns the keys captured by the snapshot.
func (sn Snapshot) Keys() []Key {
	out := make([]Key, 0, len(sn.entries))
	for k := range sn.entries {
		out = append(out, k)
	}
	return out
}

func (s *Store) Snapshot(keys ...Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn := Snapshot{entries: make(map[Key]*entry, len(keys))}
	for _, k := range keys {
		sn.entries[k] = s.entries[k].clone()
	}
	return sn
}

// Restore writes every captured entry back. Entries that were absent when the
// snapshot was taken are removed.
func (s *Store) Restore(sn Snapshot) {
	var changes []Change
	s.mu.Lock()
	for k, e := range sn.entries {
		cur := s.entries[k]
		if reflect.DeepEqual(cur, e) {
			continue
		}
		if e == nil {
			delete(s.entries, k)
			changes = append(changes, Change{Key: k, Kind: ChangeDeleted})
			continue
		}
		s.entries[k] = e.clone()
		changes = append(changes, Change{Key: k, Kind: ChangeSet})
	}
	s.mu.Unlock()
	s.emit(changes...)
}

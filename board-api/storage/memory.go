package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"kanban/domain"
)

// Memory is an in-process store used for local runs and tests. It keeps the
// same cascade and not-found semantics as Storage.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]domain.Board
	lists  map[string]map[string]domain.List
	tasks  map[string]map[string]domain.Task
	users  map[string]domain.User
	shared map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]domain.Board),
		lists:  make(map[string]map[string]domain.List),
		tasks:  make(map[string]map[string]domain.Task),
		users:  make(map[string]domain.User),
		shared: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) SaveBoard(_ context.Context, b domain.Board) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[b.ID] = b.Clone()
	return nil
}

func (m *Memory) GetBoard(_ context.Context, boardID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.Board{}, domain.NotFound("board not found")
	}
	return b.Clone(), nil
}

func (m *Memory) BoardsForUser(_ context.Context, userID string) ([]domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Board{}
	for _, b := range m.boards {
		if b.IsOwner(userID) {
			out = append(out, b.Clone())
			continue
		}
		if _, ok := m.shared[userID][b.ID]; ok {
			out = append(out, b.Clone())
		}
	}
	SortBoards(out)
	return out, nil
}

func (m *Memory) AddMembership(_ context.Context, userID, boardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shared[userID] == nil {
		m.shared[userID] = make(map[string]struct{})
	}
	m.shared[userID][boardID] = struct{}{}
	return nil
}

func (m *Memory) DeleteBoard(_ context.Context, boardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.NotFound("board not found")
	}
	for _, mem := range b.Members {
		delete(m.shared[mem.ID], boardID)
	}
	delete(m.tasks, boardID)
	delete(m.lists, boardID)
	delete(m.boards, boardID)
	return nil
}

func (m *Memory) UpsertUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	m.users[u.ID] = u
	return nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, domain.NotFound("User with this email does not exist")
}

func (m *Memory) Lists(_ context.Context, boardID string) ([]domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.List, 0, len(m.lists[boardID]))
	for _, l := range m.lists[boardID] {
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order == out[j].Order {
			return out[i].ID < out[j].ID
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (m *Memory) SaveLists(_ context.Context, lists ...domain.List) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lists {
		if m.lists[l.BoardID] == nil {
			m.lists[l.BoardID] = make(map[string]domain.List)
		}
		m.lists[l.BoardID][l.ID] = l
	}
	return nil
}

func (m *Memory) DeleteList(_ context.Context, boardID, listID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lists[boardID][listID]; !ok {
		return domain.NotFound("list not found")
	}
	for id, t := range m.tasks[boardID] {
		if t.ListID == listID {
			delete(m.tasks[boardID], id)
		}
	}
	delete(m.lists[boardID], listID)
	return nil
}

func (m *Memory) Tasks(_ context.Context, boardID, listID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Task{}
	for _, t := range m.tasks[boardID] {
		if t.ListID == listID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order == out[j].Order {
			return out[i].ID < out[j].ID
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (m *Memory) GetTask(_ context.Context, boardID, taskID string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[boardID][taskID]
	if !ok {
		return domain.Task{}, domain.NotFound("task not found")
	}
	return t, nil
}

func (m *Memory) SaveTasks(_ context.Context, tasks ...domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if m.tasks[t.BoardID] == nil {
			m.tasks[t.BoardID] = make(map[string]domain.Task)
		}
		m.tasks[t.BoardID][t.ID] = t
	}
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, boardID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[boardID][taskID]; !ok {
		return domain.NotFound("task not found")
	}
	delete(m.tasks[boardID], taskID)
	return nil
}

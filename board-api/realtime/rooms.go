package realtime

import "sync"

// Rooms tracks which clients are joined to which boards.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	joined map[*Client]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[*Client]struct{}),
		joined: make(map[*Client]map[string]struct{}),
	}
}

func (r *Rooms) Join(boardID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[boardID] == nil {
		r.rooms[boardID] = make(map[*Client]struct{})
	}
	r.rooms[boardID][c] = struct{}{}
	if r.joined[c] == nil {
		r.joined[c] = make(map[string]struct{})
	}
	r.joined[c][boardID] = struct{}{}
}

func (r *Rooms) Leave(boardID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(boardID, c)
}

func (r *Rooms) leaveLocked(boardID string, c *Client) {
	if members, ok := r.rooms[boardID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, boardID)
		}
	}
	if boards, ok := r.joined[c]; ok {
		delete(boards, boardID)
		if len(boards) == 0 {
			delete(r.joined, c)
		}
	}
}

// Drop removes c from every room and returns the boards it had joined.
func (r *Rooms) Drop(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	boards := make([]string, 0, len(r.joined[c]))
	for id := range r.joined[c] {
		boards = append(boards, id)
	}
	for _, id := range boards {
		r.leaveLocked(id, c)
	}
	return boards
}

// Members returns a snapshot of the clients joined to boardID.
func (r *Rooms) Members(boardID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.rooms[boardID]))
	for c := range r.rooms[boardID] {
		out = append(out, c)
	}
	return out
}

func (r *Rooms) Count(boardID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[boardID])
}

// Close removes every client from boardID, used when the board is deleted.
func (r *Rooms) Close(boardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.rooms[boardID] {
		r.leaveLocked(boardID, c)
	}
}

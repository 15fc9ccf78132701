package domain

// Task is an ordered item that belongs to exactly one list at a time.
// BoardID is denormalized so events can be routed without a list lookup.
type Task struct {
	ID          string `json:"id"`
	ListID      string `json:"listId"`
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

// TaskPatch carries optional task fields for updates. Moving between lists
// goes through the move operation, never through a patch.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (t Task) Identity() string { return t.ID }

func (t Task) Position() int { return t.Order }

func (t Task) WithOrder(order int) Task {
	t.Order = order
	return t
}

func (t Task) WithListID(listID string) Task {
	t.ListID = listID
	return t
}

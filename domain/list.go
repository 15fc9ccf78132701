package domain

// List is an ordered column within a board.
type List struct {
	ID      string `json:"id"`
	BoardID string `json:"boardId"`
	Title   string `json:"title"`
	Order   int    `json:"order"`
}

// ListPatch carries optional list fields for updates.
type ListPatch struct {
	Title *string `json:"title,omitempty"`
}

func (l List) Identity() string { return l.ID }

func (l List) Position() int { return l.Order }

func (l List) WithOrder(order int) List {
	l.Order = order
	return l
}

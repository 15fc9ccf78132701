package domain

import "encoding/json"

// Client to server.
const (
	BoardJoin  = "board:join"
	BoardLeave = "board:leave"
)

// Server to client.
const (
	BoardUpdated     = "board:updated"
	BoardDeleted     = "board:deleted"
	BoardMemberAdded = "board:memberAdded"

	ListCreated   = "list:created"
	ListUpdated   = "list:updated"
	ListDeleted   = "list:deleted"
	ListReordered = "list:reordered"

	TaskCreated   = "task:created"
	TaskUpdated   = "task:updated"
	TaskDeleted   = "task:deleted"
	TaskMoved     = "task:moved"
	TaskReordered = "task:reordered"
)

// BoardEvents lists every event kind a board room receives.
var BoardEvents = []string{
	BoardUpdated, BoardDeleted, BoardMemberAdded,
	ListCreated, ListUpdated, ListDeleted, ListReordered,
	TaskCreated, TaskUpdated, TaskDeleted, TaskMoved, TaskReordered,
}

// Envelope is a single socket frame. BoardID routes server events to a room
// and is not part of the payload contract.
type Envelope struct {
	Event   string          `json:"event"`
	BoardID string          `json:"boardId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a frame for the given event.
func NewEnvelope(event, boardID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, BoardID: boardID, Data: data}, nil
}

type BoardUpdatedEventData struct {
	Board Board `json:"board"`
}

type BoardDeletedEventData struct {
	BoardID string `json:"boardId"`
}

type MemberAddedEventData struct {
	BoardID string `json:"boardId,omitempty"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

type ListEventData struct {
	BoardID string `json:"boardId"`
	List    List   `json:"list"`
}

type ListDeletedEventData struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId"`
}

type ListsReorderedEventData struct {
	BoardID    string   `json:"boardId"`
	OrderedIDs []string `json:"orderedIds"`
}

type TaskCreatedEventData struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId"`
	Task    Task   `json:"task"`
}

type TaskUpdatedEventData struct {
	BoardID string `json:"boardId"`
	Task    Task   `json:"task"`
}

type TaskDeletedEventData struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId"`
	TaskID  string `json:"taskId"`
}

type TaskMovedEventData struct {
	BoardID    string `json:"boardId"`
	Task       Task   `json:"task"`
	SrcListID  string `json:"srcListId"`
	DestListID string `json:"destListId"`
}

type TasksReorderedEventData struct {
	BoardID    string   `json:"boardId"`
	ListID     string   `json:"listId"`
	OrderedIDs []string `json:"orderedIds"`
}

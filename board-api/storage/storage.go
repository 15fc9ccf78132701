package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"kanban/domain"
)

// Tables names the Azure tables backing a Storage.
type Tables struct {
	Boards      string
	Lists       string
	Tasks       string
	Users       string
	Memberships string
}

// Storage persists boards, lists, tasks and users in Azure Table storage.
//
// Boards are keyed PK=RK=boardID. Lists and tasks are partitioned by board
// so a board's contents can be listed or cascaded with one query. The
// memberships table indexes shared boards by user (PK=userID, RK=boardID).
type Storage struct {
	boards      *aztables.Client
	lists       *aztables.Client
	tasks       *aztables.Client
	users       *aztables.Client
	memberships *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boards:      svc.NewClient(tables.Boards),
		lists:       svc.NewClient(tables.Lists),
		tasks:       svc.NewClient(tables.Tasks),
		users:       svc.NewClient(tables.Users),
		memberships: svc.NewClient(tables.Memberships),
	}, nil
}

type boardEntity struct {
	aztables.Entity
	Title           string `json:"Title"`
	Description     string `json:"Description"`
	BackgroundColor string `json:"BackgroundColor"`
	OwnerId         string `json:"OwnerId"`
	OwnerName       string `json:"OwnerName"`
	OwnerEmail      string `json:"OwnerEmail"`
	Members         string `json:"Members"`
	CreatedAt       string `json:"CreatedAt"`
	UpdatedAt       string `json:"UpdatedAt"`
}

type listEntity struct {
	aztables.Entity
	Title string `json:"Title"`
	Order int    `json:"Order"`
}

type taskEntity struct {
	aztables.Entity
	ListId      string `json:"ListId"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Order       int    `json:"Order"`
}

type userEntity struct {
	aztables.Entity
	Name  string `json:"Name"`
	Email string `json:"Email"`
}

type membershipEntity struct {
	aztables.Entity
}

func encodeBoard(b domain.Board) ([]byte, error) {
	members := b.Members
	if members == nil {
		members = []domain.Member{}
	}
	raw, err := json.Marshal(members)
	if err != nil {
		return nil, err
	}
	return json.Marshal(boardEntity{
		Entity:          aztables.Entity{PartitionKey: b.ID, RowKey: b.ID},
		Title:           b.Title,
		Description:     b.Description,
		BackgroundColor: b.BackgroundColor,
		OwnerId:         b.Owner.ID,
		OwnerName:       b.Owner.Name,
		OwnerEmail:      b.Owner.Email,
		Members:         string(raw),
		CreatedAt:       b.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func decodeBoard(data []byte) (domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{
		ID:              ent.RowKey,
		Title:           ent.Title,
		Description:     ent.Description,
		BackgroundColor: ent.BackgroundColor,
		Owner:           domain.Member{ID: ent.OwnerId, Name: ent.OwnerName, Email: ent.OwnerEmail},
		Members:         []domain.Member{},
	}
	if ent.Members != "" {
		if err := json.Unmarshal([]byte(ent.Members), &b.Members); err != nil {
			return domain.Board{}, fmt.Errorf("decode members: %w", err)
		}
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, ent.CreatedAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ent.UpdatedAt)
	return b, nil
}

func decodeList(data []byte) (domain.List, error) {
	var ent listEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.List{}, err
	}
	return domain.List{ID: ent.RowKey, BoardID: ent.PartitionKey, Title: ent.Title, Order: ent.Order}, nil
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		BoardID:     ent.PartitionKey,
		ListID:      ent.ListId,
		Title:       ent.Title,
		Description: ent.Description,
		Order:       ent.Order,
	}, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func listAll(ctx context.Context, c *aztables.Client, filter string) ([][]byte, error) {
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Entities...)
	}
	return out, nil
}

// SaveBoard creates or replaces a board.
func (s *Storage) SaveBoard(ctx context.Context, b domain.Board) error {
	payload, err := encodeBoard(b)
	if err == nil {
		_, err = s.boards.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	return err
}

// GetBoard returns domain.ErrNotFound when the board does not exist.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	ent, err := s.boards.GetEntity(ctx, boardID, boardID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Board{}, domain.NotFound("board not found")
		}
		return domain.Board{}, err
	}
	return decodeBoard(ent.Value)
}

// BoardsForUser returns boards owned by or shared with userID, newest first.
func (s *Storage) BoardsForUser(ctx context.Context, userID string) ([]domain.Board, error) {
	owned, err := listAll(ctx, s.boards, "OwnerId eq "+quote(userID))
	if err != nil {
		return nil, err
	}
	boards := make([]domain.Board, 0, len(owned))
	seen := make(map[string]struct{}, len(owned))
	for _, raw := range owned {
		b, err := decodeBoard(raw)
		if err != nil {
			return nil, err
		}
		seen[b.ID] = struct{}{}
		boards = append(boards, b)
	}

	shared, err := listAll(ctx, s.memberships, "PartitionKey eq "+quote(userID))
	if err != nil {
		return nil, err
	}
	for _, raw := range shared {
		var m membershipEntity
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if _, ok := seen[m.RowKey]; ok {
			continue
		}
		b, err := s.GetBoard(ctx, m.RowKey)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		seen[b.ID] = struct{}{}
		boards = append(boards, b)
	}
	SortBoards(boards)
	return boards, nil
}

// AddMembership indexes boardID under userID.
func (s *Storage) AddMembership(ctx context.Context, userID, boardID string) error {
	payload, err := json.Marshal(membershipEntity{Entity: aztables.Entity{PartitionKey: userID, RowKey: boardID}})
	if err == nil {
		_, err = s.memberships.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// DeleteBoard removes the board with its lists, tasks and membership index.
func (s *Storage) DeleteBoard(ctx context.Context, boardID string) error {
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if err := s.deletePartition(ctx, s.tasks, boardID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if err := s.deletePartition(ctx, s.lists, boardID); err != nil {
		return fmt.Errorf("delete lists: %w", err)
	}
	for _, m := range b.Members {
		if _, err := s.memberships.DeleteEntity(ctx, m.ID, boardID, nil); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete membership: %w", err)
		}
	}
	if _, err := s.boards.DeleteEntity(ctx, boardID, boardID, nil); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *Storage) deletePartition(ctx context.Context, c *aztables.Client, pk string) error {
	ents, err := listAll(ctx, c, "PartitionKey eq "+quote(pk))
	if err != nil {
		return err
	}
	for _, raw := range ents {
		var ent aztables.Entity
		if err := json.Unmarshal(raw, &ent); err != nil {
			return err
		}
		if _, err := c.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// UpsertUser creates or replaces a user entity.
func (s *Storage) UpsertUser(ctx context.Context, u domain.User) error {
	payload, err := json.Marshal(userEntity{
		Entity: aztables.Entity{PartitionKey: u.ID, RowKey: u.ID},
		Name:   u.Name,
		Email:  strings.ToLower(u.Email),
	})
	if err == nil {
		_, err = s.users.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// FindUserByEmail returns domain.ErrNotFound when no user has the address.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	ents, err := listAll(ctx, s.users, "Email eq "+quote(strings.ToLower(email)))
	if err != nil {
		return domain.User{}, err
	}
	if len(ents) == 0 {
		return domain.User{}, domain.NotFound("User with this email does not exist")
	}
	var ent userEntity
	if err := json.Unmarshal(ents[0], &ent); err != nil {
		return domain.User{}, err
	}
	return domain.User{ID: ent.RowKey, Name: ent.Name, Email: ent.Email}, nil
}

// Lists returns the board's lists sorted by order.
func (s *Storage) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	ents, err := listAll(ctx, s.lists, "PartitionKey eq "+quote(boardID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.List, 0, len(ents))
	for _, raw := range ents {
		l, err := decodeList(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// SaveLists upserts lists in one batch per board partition.
func (s *Storage) SaveLists(ctx context.Context, lists ...domain.List) error {
	actions := make([]aztables.TransactionAction, 0, len(lists))
	for _, l := range lists {
		payload, err := json.Marshal(listEntity{
			Entity: aztables.Entity{PartitionKey: l.BoardID, RowKey: l.ID},
			Title:  l.Title,
			Order:  l.Order,
		})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeInsertReplace, Entity: payload})
	}
	return submit(ctx, s.lists, actions)
}

// DeleteList removes the list and its tasks.
func (s *Storage) DeleteList(ctx context.Context, boardID, listID string) error {
	tasks, err := s.Tasks(ctx, boardID, listID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := s.tasks.DeleteEntity(ctx, boardID, t.ID, nil); err != nil && !isNotFound(err) {
			return err
		}
	}
	if _, err := s.lists.DeleteEntity(ctx, boardID, listID, nil); err != nil {
		if isNotFound(err) {
			return domain.NotFound("list not found")
		}
		return err
	}
	return nil
}

// Tasks returns the list's tasks sorted by order.
func (s *Storage) Tasks(ctx context.Context, boardID, listID string) ([]domain.Task, error) {
	ents, err := listAll(ctx, s.tasks, "PartitionKey eq "+quote(boardID)+" and ListId eq "+quote(listID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(ents))
	for _, raw := range ents {
		t, err := decodeTask(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// GetTask returns domain.ErrNotFound when the task does not exist.
func (s *Storage) GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	ent, err := s.tasks.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, domain.NotFound("task not found")
		}
		return domain.Task{}, err
	}
	return decodeTask(ent.Value)
}

// SaveTasks upserts tasks in one batch per board partition.
func (s *Storage) SaveTasks(ctx context.Context, tasks ...domain.Task) error {
	actions := make([]aztables.TransactionAction, 0, len(tasks))
	for _, t := range tasks {
		payload, err := json.Marshal(taskEntity{
			Entity:      aztables.Entity{PartitionKey: t.BoardID, RowKey: t.ID},
			ListId:      t.ListID,
			Title:       t.Title,
			Description: t.Description,
			Order:       t.Order,
		})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeInsertReplace, Entity: payload})
	}
	return submit(ctx, s.tasks, actions)
}

// DeleteTask removes a single task.
func (s *Storage) DeleteTask(ctx context.Context, boardID, taskID string) error {
	if _, err := s.tasks.DeleteEntity(ctx, boardID, taskID, nil); err != nil {
		if isNotFound(err) {
			return domain.NotFound("task not found")
		}
		return err
	}
	return nil
}

// maxBatch is the entity limit of a single table transaction.
const maxBatch = 100

func submit(ctx context.Context, c *aztables.Client, actions []aztables.TransactionAction) error {
	for len(actions) > 0 {
		n := len(actions)
		if n > maxBatch {
			n = maxBatch
		}
		if _, err := c.SubmitTransaction(ctx, actions[:n], nil); err != nil {
			return err
		}
		actions = actions[n:]
	}
	return nil
}

// SortBoards orders boards by last update, newest first.
func SortBoards(boards []domain.Board) {
	sort.SliceStable(boards, func(i, j int) bool {
		return boards[i].UpdatedAt.After(boards[j].UpdatedAt)
	})
}

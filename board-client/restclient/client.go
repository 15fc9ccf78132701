// Package restclient calls the board REST API. Non-2xx answers become
// *domain.APIError and transport failures become domain.NetworkError.
package restclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"kanban/domain"
)

const maxResponseSize = 4 << 20

// Client wraps http.Client with helpers for the board API.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope[T any] struct {
	Data  T      `json:"data"`
	Error string `json:"error"`
}

type request struct {
	method     string
	path       string
	body       any
	idempotent bool
}

func do[T any](ctx context.Context, c *Client, r request) (T, error) {
	var zero T
	op := r.method + " " + r.path

	var body io.Reader
	if r.body != nil {
		raw, err := sonic.ConfigStd.Marshal(r.body)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.BaseURL+r.path, body)
	if err != nil {
		return zero, fmt.Errorf("build %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	if r.idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return zero, domain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return zero, domain.NetworkError{Op: op, Err: err}
	}

	var env envelope[T]
	decodeErr := sonic.ConfigStd.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, &domain.APIError{Status: resp.StatusCode, Message: env.Error}
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("decode %s: %w", op, decodeErr)
	}
	return env.Data, nil
}

func boardPath(boardID string, rest ...string) string {
	parts := append([]string{"/api/boards", url.PathEscape(boardID)}, rest...)
	return strings.Join(parts, "/")
}

// BoardInput is the body of a board creation.
type BoardInput struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

type deleted struct {
	ID string `json:"id"`
}

func (c *Client) CreateBoard(ctx context.Context, in BoardInput) (domain.Board, error) {
	return do[domain.Board](ctx, c, request{method: http.MethodPost, path: "/api/boards", body: in, idempotent: true})
}

func (c *Client) Boards(ctx context.Context) ([]domain.Board, error) {
	return do[[]domain.Board](ctx, c, request{method: http.MethodGet, path: "/api/boards"})
}

func (c *Client) Board(ctx context.Context, boardID string) (domain.Board, error) {
	return do[domain.Board](ctx, c, request{method: http.MethodGet, path: boardPath(boardID)})
}

func (c *Client) UpdateBoard(ctx context.Context, boardID string, patch domain.BoardPatch) (domain.Board, error) {
	return do[domain.Board](ctx, c, request{method: http.MethodPatch, path: boardPath(boardID), body: patch})
}

func (c *Client) DeleteBoard(ctx context.Context, boardID string) error {
	_, err := do[deleted](ctx, c, request{method: http.MethodDelete, path: boardPath(boardID)})
	return err
}

func (c *Client) ShareBoard(ctx context.Context, boardID, email string) (domain.Board, error) {
	body := struct {
		Email string `json:"email"`
	}{email}
	return do[domain.Board](ctx, c, request{method: http.MethodPost, path: boardPath(boardID, "share"), body: body, idempotent: true})
}

func (c *Client) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	return do[[]domain.List](ctx, c, request{method: http.MethodGet, path: boardPath(boardID, "lists")})
}

type titleBody struct {
	Title string `json:"title"`
}

func (c *Client) CreateList(ctx context.Context, boardID, title string) (domain.List, error) {
	return do[domain.List](ctx, c, request{method: http.MethodPost, path: boardPath(boardID, "lists"), body: titleBody{title}, idempotent: true})
}

func (c *Client) UpdateList(ctx context.Context, boardID, listID string, patch domain.ListPatch) (domain.List, error) {
	return do[domain.List](ctx, c, request{method: http.MethodPatch, path: boardPath(boardID, "lists", url.PathEscape(listID)), body: patch})
}

func (c *Client) DeleteList(ctx context.Context, boardID, listID string) error {
	_, err := do[deleted](ctx, c, request{method: http.MethodDelete, path: boardPath(boardID, "lists", url.PathEscape(listID))})
	return err
}

type reorderBody struct {
	OrderedIDs []string `json:"orderedIds"`
}

func (c *Client) ReorderLists(ctx context.Context, boardID string, orderedIDs []string) ([]domain.List, error) {
	return do[[]domain.List](ctx, c, request{method: http.MethodPut, path: boardPath(boardID, "lists", "reorder"), body: reorderBody{orderedIDs}})
}

func (c *Client) Tasks(ctx context.Context, boardID, listID string) ([]domain.Task, error) {
	return do[[]domain.Task](ctx, c, request{method: http.MethodGet, path: boardPath(boardID, "lists", url.PathEscape(listID), "tasks")})
}

// TaskInput is the body of a task creation.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, boardID, listID string, in TaskInput) (domain.Task, error) {
	return do[domain.Task](ctx, c, request{method: http.MethodPost, path: boardPath(boardID, "lists", url.PathEscape(listID), "tasks"), body: in, idempotent: true})
}

func (c *Client) UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	return do[domain.Task](ctx, c, request{method: http.MethodPatch, path: boardPath(boardID, "tasks", url.PathEscape(taskID)), body: patch})
}

func (c *Client) DeleteTask(ctx context.Context, boardID, taskID string) error {
	_, err := do[deleted](ctx, c, request{method: http.MethodDelete, path: boardPath(boardID, "tasks", url.PathEscape(taskID))})
	return err
}

// MoveRequest is the body of a task move.
type MoveRequest struct {
	SrcListID  string `json:"srcListId,omitempty"`
	DestListID string `json:"destListId"`
	NewOrder   int    `json:"newOrder"`
}

func (c *Client) MoveTask(ctx context.Context, boardID, taskID string, in MoveRequest) (domain.Task, error) {
	return do[domain.Task](ctx, c, request{method: http.MethodPut, path: boardPath(boardID, "tasks", url.PathEscape(taskID), "move"), body: in})
}

func (c *Client) ReorderTasks(ctx context.Context, boardID, listID string, orderedIDs []string) ([]domain.Task, error) {
	return do[[]domain.Task](ctx, c, request{method: http.MethodPut, path: boardPath(boardID, "lists", url.PathEscape(listID), "tasks", "reorder"), body: reorderBody{orderedIDs}})
}

// IsStale reports whether err means the request referenced something that no
// longer exists. Such failures heal on the next sync.
func IsStale(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict)
}

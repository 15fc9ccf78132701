package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban/board-api/service"
	"kanban/domain"
)

const maxBodySize = 64 << 10

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc service.Services, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/healthz", healthz)

	g := e.Group("/api",
		RequestObservability(logger),
		GzipRequestMiddleware(),
		RequireUser(auth, svc.Users, logger),
	)
	idem := Idempotent(deduper, logger)
	h := handlers{svc: svc, log: logger}

	g.POST("/boards", h.createBoard, idem)
	g.GET("/boards", h.listBoards)
	g.GET("/boards/:boardId", h.getBoard)
	g.PATCH("/boards/:boardId", h.updateBoard)
	g.DELETE("/boards/:boardId", h.deleteBoard)
	g.POST("/boards/:boardId/share", h.shareBoard, idem)

	g.GET("/boards/:boardId/lists", h.listLists)
	g.POST("/boards/:boardId/lists", h.createList, idem)
	g.PUT("/boards/:boardId/lists/reorder", h.reorderLists)
	g.PATCH("/boards/:boardId/lists/:listId", h.updateList)
	g.DELETE("/boards/:boardId/lists/:listId", h.deleteList)

	g.GET("/boards/:boardId/lists/:listId/tasks", h.listTasks)
	g.POST("/boards/:boardId/lists/:listId/tasks", h.createTask, idem)
	g.PUT("/boards/:boardId/lists/:listId/tasks/reorder", h.reorderTasks)
	g.PATCH("/boards/:boardId/tasks/:taskId", h.updateTask)
	g.DELETE("/boards/:boardId/tasks/:taskId", h.deleteTask)
	g.PUT("/boards/:boardId/tasks/:taskId/move", h.moveTask)
}

func healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type handlers struct {
	svc service.Services
	log *log.Logger
}

// call runs fn, attributing its duration to the store and its failure to stage.
func call[T any](c echo.Context, stage string, fn func(ctx context.Context, userID string) (T, error)) (T, error) {
	metrics := metricsFrom(c)
	if id := c.Param("boardId"); id != "" {
		metrics.SetBoardID(id)
	}
	start := time.Now()
	out, err := fn(c.Request().Context(), userFrom(c).ID)
	metrics.ObserveStore(time.Since(start))
	if err != nil {
		metrics.SetErrorStage(stage)
	}
	return out, err
}

func (h handlers) fail(c echo.Context, err error) error {
	status := domain.StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithFields(log.Fields{"route": c.Path(), "method": c.Request().Method}).Error("request failed")
		msg = "internal server error"
	}
	return c.JSON(status, errorResponse{Error: msg})
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		metricsFrom(c).SetErrorStage("decode")
		return domain.Invalid("", "invalid body")
	}
	return nil
}

func ok(c echo.Context, status int, v any) error {
	return c.JSON(status, dataResponse{Data: v})
}

func (h handlers) createBoard(c echo.Context) error {
	var in service.CreateBoardInput
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	owner := userFrom(c)
	b, err := call(c, "create_board", func(ctx context.Context, _ string) (domain.Board, error) {
		return h.svc.Boards.Create(ctx, owner, in)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusCreated, b)
}

func (h handlers) listBoards(c echo.Context) error {
	boards, err := call(c, "list_boards", h.svc.Boards.List)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, boards)
}

func (h handlers) getBoard(c echo.Context) error {
	b, err := call(c, "get_board", func(ctx context.Context, userID string) (domain.Board, error) {
		return h.svc.Boards.Get(ctx, userID, c.Param("boardId"))
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, b)
}

func (h handlers) updateBoard(c echo.Context) error {
	var patch domain.BoardPatch
	if err := decodeBody(c, &patch); err != nil {
		return h.fail(c, err)
	}
	b, err := call(c, "update_board", func(ctx context.Context, userID string) (domain.Board, error) {
		return h.svc.Boards.Update(ctx, userID, c.Param("boardId"), patch)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, b)
}

func (h handlers) deleteBoard(c echo.Context) error {
	boardID := c.Param("boardId")
	_, err := call(c, "delete_board", func(ctx context.Context, userID string) (struct{}, error) {
		return struct{}{}, h.svc.Boards.Delete(ctx, userID, boardID)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, map[string]string{"id": boardID})
}

func (h handlers) shareBoard(c echo.Context) error {
	var in shareRequest
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	b, err := call(c, "share_board", func(ctx context.Context, userID string) (domain.Board, error) {
		return h.svc.Boards.Share(ctx, userID, c.Param("boardId"), in.Email)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, b)
}

func (h handlers) listLists(c echo.Context) error {
	lists, err := call(c, "list_lists", func(ctx context.Context, userID string) ([]domain.List, error) {
		return h.svc.Lists.List(ctx, userID, c.Param("boardId"))
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, lists)
}

func (h handlers) createList(c echo.Context) error {
	var in titleRequest
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	l, err := call(c, "create_list", func(ctx context.Context, userID string) (domain.List, error) {
		return h.svc.Lists.Create(ctx, userID, c.Param("boardId"), in.Title)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusCreated, l)
}

func (h handlers) updateList(c echo.Context) error {
	var patch domain.ListPatch
	if err := decodeBody(c, &patch); err != nil {
		return h.fail(c, err)
	}
	l, err := call(c, "update_list", func(ctx context.Context, userID string) (domain.List, error) {
		return h.svc.Lists.Update(ctx, userID, c.Param("boardId"), c.Param("listId"), patch)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, l)
}

func (h handlers) deleteList(c echo.Context) error {
	listID := c.Param("listId")
	_, err := call(c, "delete_list", func(ctx context.Context, userID string) (struct{}, error) {
		return struct{}{}, h.svc.Lists.Delete(ctx, userID, c.Param("boardId"), listID)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, map[string]string{"id": listID})
}

func (h handlers) reorderLists(c echo.Context) error {
	var in reorderRequest
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	lists, err := call(c, "reorder_lists", func(ctx context.Context, userID string) ([]domain.List, error) {
		return h.svc.Lists.Reorder(ctx, userID, c.Param("boardId"), in.OrderedIDs)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, lists)
}

func (h handlers) listTasks(c echo.Context) error {
	tasks, err := call(c, "list_tasks", func(ctx context.Context, userID string) ([]domain.Task, error) {
		return h.svc.Tasks.List(ctx, userID, c.Param("boardId"), c.Param("listId"))
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, tasks)
}

func (h handlers) createTask(c echo.Context) error {
	var in service.CreateTaskInput
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	t, err := call(c, "create_task", func(ctx context.Context, userID string) (domain.Task, error) {
		return h.svc.Tasks.Create(ctx, userID, c.Param("boardId"), c.Param("listId"), in)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusCreated, t)
}

func (h handlers) updateTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return h.fail(c, err)
	}
	t, err := call(c, "update_task", func(ctx context.Context, userID string) (domain.Task, error) {
		return h.svc.Tasks.Update(ctx, userID, c.Param("boardId"), c.Param("taskId"), patch)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, t)
}

func (h handlers) deleteTask(c echo.Context) error {
	taskID := c.Param("taskId")
	_, err := call(c, "delete_task", func(ctx context.Context, userID string) (struct{}, error) {
		return struct{}{}, h.svc.Tasks.Delete(ctx, userID, c.Param("boardId"), taskID)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, map[string]string{"id": taskID})
}

func (h handlers) moveTask(c echo.Context) error {
	var in service.MoveInput
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	t, err := call(c, "move_task", func(ctx context.Context, userID string) (domain.Task, error) {
		return h.svc.Tasks.Move(ctx, userID, c.Param("boardId"), c.Param("taskId"), in)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, t)
}

func (h handlers) reorderTasks(c echo.Context) error {
	var in reorderRequest
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	tasks, err := call(c, "reorder_tasks", func(ctx context.Context, userID string) ([]domain.Task, error) {
		return h.svc.Tasks.Reorder(ctx, userID, c.Param("boardId"), c.Param("listId"), in.OrderedIDs)
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, http.StatusOK, tasks)
}

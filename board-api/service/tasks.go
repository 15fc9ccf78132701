package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban/domain"
	"kanban/ordering"
)

// TaskService applies task rules. Any owner or member may change tasks.
type TaskService struct{ deps }

// CreateTaskInput is the accepted shape of a new task.
type CreateTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (s TaskService) List(ctx context.Context, userID, boardID, listID string) ([]domain.Task, error) {
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return nil, err
	}
	if _, err := (ListService{s.deps}).find(ctx, boardID, listID); err != nil {
		return nil, err
	}
	return s.st.Tasks(ctx, boardID, listID)
}

// Create appends a task to the end of the list and emits task:created.
func (s TaskService) Create(ctx context.Context, userID, boardID, listID string, in CreateTaskInput) (domain.Task, error) {
	title, err := requireTitle(in.Title)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return domain.Task{}, err
	}
	if _, err := (ListService{s.deps}).find(ctx, boardID, listID); err != nil {
		return domain.Task{}, err
	}
	tasks, err := s.st.Tasks(ctx, boardID, listID)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          uuid.NewString(),
		ListID:      listID,
		BoardID:     boardID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Order:       len(tasks),
	}
	if err := s.st.SaveTasks(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.publish(ctx, domain.TaskCreated, boardID, domain.TaskCreatedEventData{BoardID: boardID, ListID: listID, Task: t})
	return t, nil
}

func (s TaskService) Update(ctx context.Context, userID, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if patch.Title == nil && patch.Description == nil {
		return domain.Task{}, domain.Invalid("", "nothing to update")
	}
	if patch.Title != nil {
		title, err := requireTitle(*patch.Title)
		if err != nil {
			return domain.Task{}, err
		}
		patch.Title = &title
	}
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return domain.Task{}, err
	}
	t, err := s.st.GetTask(ctx, boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = strings.TrimSpace(*patch.Description)
	}
	if err := s.st.SaveTasks(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.publish(ctx, domain.TaskUpdated, boardID, domain.TaskUpdatedEventData{BoardID: boardID, Task: t})
	return t, nil
}

// Delete removes the task, closes the gap in its list and emits task:deleted.
func (s TaskService) Delete(ctx context.Context, userID, boardID, taskID string) error {
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return err
	}
	t, err := s.st.GetTask(ctx, boardID, taskID)
	if err != nil {
		return err
	}
	if err := s.st.DeleteTask(ctx, boardID, taskID); err != nil {
		return err
	}
	rest, err := s.st.Tasks(ctx, boardID, t.ListID)
	if err != nil {
		return err
	}
	if changed := renumbered(rest); len(changed) > 0 {
		if err := s.st.SaveTasks(ctx, changed...); err != nil {
			return err
		}
	}
	s.publish(ctx, domain.TaskDeleted, boardID, domain.TaskDeletedEventData{BoardID: boardID, ListID: t.ListID, TaskID: taskID})
	return nil
}

// MoveInput is the body of a move request. SrcListID is optional; when set
// it must match the task's current list.
type MoveInput struct {
	SrcListID  string `json:"srcListId,omitempty"`
	DestListID string `json:"destListId"`
	NewOrder   int    `json:"newOrder"`
}

// Move relocates a task. Within the same list it behaves as a reorder and
// emits task:reordered; across lists it emits task:moved.
func (s TaskService) Move(ctx context.Context, userID, boardID, taskID string, in MoveInput) (domain.Task, error) {
	if strings.TrimSpace(in.DestListID) == "" {
		return domain.Task{}, domain.Invalid("destListId", "destListId is required")
	}
	if in.NewOrder < 0 {
		return domain.Task{}, domain.Invalid("newOrder", "newOrder must not be negative")
	}
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return domain.Task{}, err
	}
	t, err := s.st.GetTask(ctx, boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if in.SrcListID != "" && in.SrcListID != t.ListID {
		return domain.Task{}, domain.Conflict("task is no longer in the source list")
	}
	src, err := s.st.Tasks(ctx, boardID, t.ListID)
	if err != nil {
		return domain.Task{}, err
	}
	from := ordering.IndexOf(src, taskID)
	if from < 0 {
		return domain.Task{}, domain.NotFound("task not found")
	}

	if in.DestListID == t.ListID {
		out, err := ordering.ReorderWithinList(src, from, in.NewOrder)
		if err != nil {
			return domain.Task{}, err
		}
		if err := s.st.SaveTasks(ctx, out...); err != nil {
			return domain.Task{}, err
		}
		s.publish(ctx, domain.TaskReordered, boardID, domain.TasksReorderedEventData{
			BoardID:    boardID,
			ListID:     t.ListID,
			OrderedIDs: ordering.IDs(out),
		})
		return out[ordering.IndexOf(out, taskID)], nil
	}

	if _, err := (ListService{s.deps}).find(ctx, boardID, in.DestListID); err != nil {
		return domain.Task{}, err
	}
	dst, err := s.st.Tasks(ctx, boardID, in.DestListID)
	if err != nil {
		return domain.Task{}, err
	}
	moved, err := ordering.MoveAcrossLists(src, dst, from, in.NewOrder, in.DestListID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.st.SaveTasks(ctx, moved.Dest...); err != nil {
		return domain.Task{}, err
	}
	if len(moved.Source) > 0 {
		if err := s.st.SaveTasks(ctx, moved.Source...); err != nil {
			return domain.Task{}, err
		}
	}
	if ev, ok := s.st.(taskEvicter); ok {
		ev.EvictTasks(ctx, boardID, t.ListID)
	}
	s.log.WithFields(log.Fields{
		"board_id": boardID,
		"task_id":  taskID,
		"from":     t.ListID,
		"to":       in.DestListID,
		"order":    moved.Item.Order,
	}).Debug("task moved")
	s.publish(ctx, domain.TaskMoved, boardID, domain.TaskMovedEventData{
		BoardID:    boardID,
		Task:       moved.Item,
		SrcListID:  t.ListID,
		DestListID: in.DestListID,
	})
	return moved.Item, nil
}

// Reorder applies the client's sequence to a list and emits task:reordered.
func (s TaskService) Reorder(ctx context.Context, userID, boardID, listID string, orderedIDs []string) ([]domain.Task, error) {
	if _, err := s.accessibleBoard(ctx, userID, boardID); err != nil {
		return nil, err
	}
	tasks, err := s.st.Tasks(ctx, boardID, listID)
	if err != nil {
		return nil, err
	}
	out, err := arrange(tasks, orderedIDs)
	if err != nil {
		return nil, err
	}
	if err := s.st.SaveTasks(ctx, out...); err != nil {
		return nil, err
	}
	s.publish(ctx, domain.TaskReordered, boardID, domain.TasksReorderedEventData{
		BoardID:    boardID,
		ListID:     listID,
		OrderedIDs: ordering.IDs(out),
	})
	return out, nil
}

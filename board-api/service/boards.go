package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

// BoardService applies board rules.
type BoardService struct{ deps }

// CreateBoardInput is the accepted shape of a new board.
type CreateBoardInput struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	BackgroundColor string `json:"backgroundColor,omitempty"`
}

func (s BoardService) Create(ctx context.Context, owner domain.User, in CreateBoardInput) (domain.Board, error) {
	title, err := requireTitle(in.Title)
	if err != nil {
		return domain.Board{}, err
	}
	now := s.now().UTC()
	b := domain.Board{
		ID:              uuid.NewString(),
		Title:           title,
		Description:     strings.TrimSpace(in.Description),
		BackgroundColor: strings.TrimSpace(in.BackgroundColor),
		Owner:           owner.Member(),
		Members:         []domain.Member{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.st.SaveBoard(ctx, b); err != nil {
		return domain.Board{}, err
	}
	s.log.WithFields(log.Fields{"board_id": b.ID, "owner": owner.ID}).Info("board created")
	return b, nil
}

// List returns boards the user owns or was shared, newest first.
func (s BoardService) List(ctx context.Context, userID string) ([]domain.Board, error) {
	return s.st.BoardsForUser(ctx, userID)
}

func (s BoardService) Get(ctx context.Context, userID, boardID string) (domain.Board, error) {
	return s.accessibleBoard(ctx, userID, boardID)
}

// Update is owner-only and emits board:updated.
func (s BoardService) Update(ctx context.Context, userID, boardID string, patch domain.BoardPatch) (domain.Board, error) {
	if patch.Title != nil {
		title, err := requireTitle(*patch.Title)
		if err != nil {
			return domain.Board{}, err
		}
		patch.Title = &title
	}
	b, err := s.ownedBoard(ctx, userID, boardID, "update this board")
	if err != nil {
		return domain.Board{}, err
	}
	if !b.Apply(patch) {
		return b, nil
	}
	b.UpdatedAt = s.now().UTC()
	if err := s.st.SaveBoard(ctx, b); err != nil {
		return domain.Board{}, err
	}
	s.publish(ctx, domain.BoardUpdated, b.ID, domain.BoardUpdatedEventData{Board: b})
	return b, nil
}

// Delete is owner-only, cascades to lists and tasks and emits board:deleted.
func (s BoardService) Delete(ctx context.Context, userID, boardID string) error {
	if _, err := s.ownedBoard(ctx, userID, boardID, "delete this board"); err != nil {
		return err
	}
	if err := s.st.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"board_id": boardID, "owner": userID}).Info("board deleted")
	s.publish(ctx, domain.BoardDeleted, boardID, domain.BoardDeletedEventData{BoardID: boardID})
	return nil
}

// Share adds the user registered under email as a member and emits
// board:memberAdded. Unknown users produce no event.
func (s BoardService) Share(ctx context.Context, userID, boardID, email string) (domain.Board, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.Board{}, domain.Invalid("email", "email is required")
	}
	b, err := s.st.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	if !b.IsOwner(userID) {
		return domain.Board{}, domain.Forbidden("forbidden: only the board owner can share it")
	}
	u, err := s.st.FindUserByEmail(ctx, email)
	if err != nil {
		return domain.Board{}, err
	}
	if b.IsOwner(u.ID) {
		return domain.Board{}, domain.Invalid("email", "You cannot share a board with yourself")
	}
	if !b.AddMember(u.Member()) {
		return domain.Board{}, domain.Invalid("email", "User is already a member of this board")
	}
	b.UpdatedAt = s.now().UTC()
	if err := s.st.SaveBoard(ctx, b); err != nil {
		return domain.Board{}, err
	}
	if err := s.st.AddMembership(ctx, u.ID, b.ID); err != nil {
		return domain.Board{}, err
	}
	s.publish(ctx, domain.BoardMemberAdded, b.ID, domain.MemberAddedEventData{
		BoardID: b.ID,
		UserID:  u.ID,
		Email:   u.Email,
		Name:    u.Name,
	})
	return b, nil
}

package realtime

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

// BoardLoader loads a board for authorization checks.
type BoardLoader interface {
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
}

// Gate decides whether a user may join a board room.
type Gate struct {
	boards BoardLoader
	log    log.FieldLogger
}

func NewGate(boards BoardLoader, logger log.FieldLogger) *Gate {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gate{boards: boards, log: logger}
}

// Authorize reports whether userID owns or is a member of boardID. Refusals
// are logged and never reported to the joiner.
func (g *Gate) Authorize(ctx context.Context, userID, boardID string) bool {
	entry := g.log.WithFields(log.Fields{"user_id": userID, "board_id": boardID})
	if userID == "" || boardID == "" {
		entry.Warn("room join rejected: missing identity")
		return false
	}
	b, err := g.boards.GetBoard(ctx, boardID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			entry.Warn("room join rejected: board not found")
		} else {
			entry.WithError(err).Error("room join rejected: board lookup failed")
		}
		return false
	}
	if !b.HasAccess(userID) {
		entry.Warn("room join rejected: not a member")
		return false
	}
	return true
}

package domain

import "time"

// Member is a user reference as rendered on a board.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Board is the top-level container. The owner has exclusive authority over
// mutation and sharing; members get read/write access through the UI.
type Board struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	BackgroundColor string    `json:"backgroundColor,omitempty"`
	Owner           Member    `json:"owner"`
	Members         []Member  `json:"members"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// BoardPatch carries optional board fields for updates.
type BoardPatch struct {
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	BackgroundColor *string `json:"backgroundColor,omitempty"`
}

func (b Board) IsOwner(userID string) bool {
	return userID != "" && b.Owner.ID == userID
}

func (b Board) HasMember(userID string) bool {
	for _, m := range b.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// HasAccess reports whether userID may see the board and receive its events.
func (b Board) HasAccess(userID string) bool {
	return b.IsOwner(userID) || b.HasMember(userID)
}

// AddMember appends m unless it is the owner or already a member.
func (b *Board) AddMember(m Member) bool {
	if m.ID == "" || b.IsOwner(m.ID) || b.HasMember(m.ID) {
		return false
	}
	b.Members = append(b.Members, m)
	return true
}

// Apply copies set fields of p into b and reports whether anything changed.
func (b *Board) Apply(p BoardPatch) bool {
	changed := false
	if p.Title != nil && *p.Title != b.Title {
		b.Title = *p.Title
		changed = true
	}
	if p.Description != nil && *p.Description != b.Description {
		b.Description = *p.Description
		changed = true
	}
	if p.BackgroundColor != nil && *p.BackgroundColor != b.BackgroundColor {
		b.BackgroundColor = *p.BackgroundColor
		changed = true
	}
	return changed
}

// Clone returns a copy of b that shares no slices with it.
func (b Board) Clone() Board {
	if b.Members != nil {
		b.Members = append([]Member(nil), b.Members...)
	}
	return b
}

// User is an account known to the system, looked up by email when sharing.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u User) Member() Member {
	return Member{ID: u.ID, Name: u.Name, Email: u.Email}
}

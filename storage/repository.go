// Package storage defines the relational store contract for dashboard
// accounts and their resources: users, bookmarks, notes and profile links.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmcleod/dashgate/identity"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (email, profile link) is
	// already taken.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid record")
)

// DefaultTier is the tier assigned to new accounts.
const DefaultTier = "free"

// User is an account row. Email is stored normalized.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"passwordHash"`
	Tier         string    `json:"tier"`
	IsVerified   bool      `json:"isVerified"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Identity returns the point-in-time identity snapshot for u.
func (u User) Identity() identity.Identity {
	return identity.Identity{
		ID:         u.ID,
		Email:      u.Email,
		FullName:   u.FullName,
		Tier:       u.Tier,
		IsVerified: u.IsVerified,
	}
}

// Bookmark is a saved link on the dashboard.
type Bookmark struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks that b is storable.
func (b Bookmark) Validate() error {
	if b.ID == "" || b.UserID == "" {
		return fmt.Errorf("%w: bookmark requires id and owner", ErrInvalid)
	}
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("%w: bookmark title is required", ErrInvalid)
	}
	u, err := url.Parse(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: bookmark url must be an absolute http(s) url", ErrInvalid)
	}
	return nil
}

// Note is a free-text note on the dashboard.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks that n is storable.
func (n Note) Validate() error {
	if n.ID == "" || n.UserID == "" {
		return fmt.Errorf("%w: note requires id and owner", ErrInvalid)
	}
	if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: note must have a title or body", ErrInvalid)
	}
	return nil
}

// ProfileLink ties a user to an account on a third-party platform. The
// (UserID, Platform, Username) triple is unique.
type ProfileLink struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Platform  string    `json:"platform"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks that l is storable.
func (l ProfileLink) Validate() error {
	if l.ID == "" || l.UserID == "" {
		return fmt.Errorf("%w: profile link requires id and owner", ErrInvalid)
	}
	if l.Platform == "" || l.Username == "" {
		return fmt.Errorf("%w: profile link requires platform and username", ErrInvalid)
	}
	return nil
}

// SameTarget reports whether l and o point at the same external account.
func (l ProfileLink) SameTarget(o ProfileLink) bool {
	return l.UserID == o.UserID &&
		strings.EqualFold(l.Platform, o.Platform) &&
		strings.EqualFold(l.Username, o.Username)
}

// Defaults are the records seeded alongside a new user. CreateUser writes
// the user and every default in one transaction.
type Defaults struct {
	Bookmarks []Bookmark
	Notes     []Note
}

// DefaultsFor builds the starter bookmark and welcome note for u.
func DefaultsFor(u User, now time.Time) Defaults {
	return Defaults{
		Bookmarks: []Bookmark{{
			ID:        NewID(),
			UserID:    u.ID,
			Title:     "Getting started",
			URL:       "https://github.com/jmcleod/dashgate",
			CreatedAt: now,
			UpdatedAt: now,
		}},
		Notes: []Note{{
			ID:        NewID(),
			UserID:    u.ID,
			Title:     "Welcome",
			Body:      "This is your dashboard. Pin notes to keep them on top.",
			Pinned:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}},
	}
}

// Validate checks every default record against owner id userID.
func (d Defaults) Validate(userID string) error {
	for _, b := range d.Bookmarks {
		if b.UserID != userID {
			return fmt.Errorf("%w: default bookmark owned by another user", ErrInvalid)
		}
	}
	for _, n := range d.Notes {
		if n.UserID != userID {
			return fmt.Errorf("%w: default note owned by another user", ErrInvalid)
		}
	}
	return nil
}

// NewID returns a new lexicographically sortable resource id.
func NewID() string {
	return ulid.Make().String()
}

// Repository is the relational store used by the dashboard. Every
// per-user method scopes reads and writes to userID; records owned by
// another user read as ErrNotFound.
type Repository interface {
	// CreateUser inserts u and defaults atomically. A taken email returns
	// ErrConflict and nothing is written.
	CreateUser(ctx context.Context, u User, defaults Defaults) error
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)

	ListBookmarks(ctx context.Context, userID string) ([]Bookmark, error)
	GetBookmark(ctx context.Context, userID, id string) (Bookmark, error)
	PutBookmark(ctx context.Context, b Bookmark) error
	DeleteBookmark(ctx context.Context, userID, id string) error

	ListNotes(ctx context.Context, userID string) ([]Note, error)
	GetNote(ctx context.Context, userID, id string) (Note, error)
	PutNote(ctx context.Context, n Note) error
	DeleteNote(ctx context.Context, userID, id string) error

	ListProfileLinks(ctx context.Context, userID string) ([]ProfileLink, error)
	// PutProfileLink returns ErrConflict if another link of the same user
	// already targets the same platform account.
	PutProfileLink(ctx context.Context, l ProfileLink) error
	DeleteProfileLink(ctx context.Context, userID, id string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

package api

import (
	"github.com/jmcleod/dashgate/identity"
	"github.com/jmcleod/dashgate/session"
	"github.com/jmcleod/dashgate/storage"
)

// SessionStatus reports what happened to the server session during login.
type SessionStatus string

const (
	// SessionActive: the session was written to a durable tier.
	SessionActive SessionStatus = "active"
	// SessionUnavailable: the store is disconnected and awaiting reconnect;
	// the session lives in process memory until it returns.
	SessionUnavailable SessionStatus = "unavailable"
	// SessionNonFunctional: no durable tier could be bound at all.
	SessionNonFunctional SessionStatus = "non-functional"
	// SessionErrorSaving: the durable write failed for another reason.
	SessionErrorSaving SessionStatus = "error-saving"
	// SessionError: the session could not be created.
	SessionError SessionStatus = "error"
)

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned from register, login and logout.
type AuthResponse struct {
	Success       bool               `json:"success"`
	Message       string             `json:"message,omitempty"`
	Error         string             `json:"error,omitempty"`
	User          *identity.Identity `json:"user,omitempty"`
	Token         string             `json:"token,omitempty"`
	SessionStatus SessionStatus      `json:"sessionStatus,omitempty"`
	SessionID     string             `json:"sessionID,omitempty"`
}

// CheckResponse is returned from GET /auth/check.
type CheckResponse struct {
	IsValid      bool               `json:"isValid"`
	SessionValid bool               `json:"sessionValid,omitempty"`
	SessionID    string             `json:"sessionID,omitempty"`
	Token        string             `json:"token,omitempty"`
	User         *identity.Identity `json:"user,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// BookmarkRequest is the JSON body for creating or replacing a bookmark.
type BookmarkRequest struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ListBookmarksResponse is returned from GET /bookmarks.
type ListBookmarksResponse struct {
	Bookmarks []storage.Bookmark `json:"bookmarks"`
	PaginationMeta
}

// NoteRequest is the JSON body for creating or replacing a note.
type NoteRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Pinned bool   `json:"pinned"`
}

// ListNotesResponse is returned from GET /notes.
type ListNotesResponse struct {
	Notes []storage.Note `json:"notes"`
	PaginationMeta
}

// ProfileLinkRequest is the JSON body for POST /profiles.
type ProfileLinkRequest struct {
	Platform string `json:"platform"`
	Username string `json:"username"`
}

// ListProfileLinksResponse is returned from GET /profiles.
type ListProfileLinksResponse struct {
	Profiles []storage.ProfileLink `json:"profiles"`
}

// SessionStoreStatus describes the active session tier.
type SessionStoreStatus struct {
	Tier      string `json:"tier"`
	Connected bool   `json:"connected"`
	Durable   bool   `json:"durable"`
}

func sessionStoreStatus(s session.State) SessionStoreStatus {
	return SessionStoreStatus{
		Tier:      s.Tier.String(),
		Connected: s.Connected,
		Durable:   s.Tier.Durable() && s.Connected,
	}
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status       string             `json:"status"`
	Database     string             `json:"database"`
	SessionStore SessionStoreStatus `json:"sessionStore"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

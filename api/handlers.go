package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/dashgate/profile"
	"github.com/jmcleod/dashgate/storage"
)

// callerID returns the resolved user id. RequireIdentity guarantees one.
func callerID(r *http.Request) string {
	id, _ := identityFromContext(r.Context())
	return id.ID
}

// ListBookmarks handles GET /bookmarks.
func (a *API) ListBookmarks(w http.ResponseWriter, r *http.Request) {
	items, err := a.repo.ListBookmarks(r.Context(), callerID(r))
	if err != nil {
		a.mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(items), limit, offset)
	writeJSON(w, http.StatusOK, ListBookmarksResponse{
		Bookmarks:      items[start:end],
		PaginationMeta: meta,
	})
}

// CreateBookmark handles POST /bookmarks.
func (a *API) CreateBookmark(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BookmarkRequest](w, r, maxResourceBodySize)
	if !ok {
		return
	}
	now := a.now().UTC()
	b := storage.Bookmark{
		ID:        storage.NewID(),
		UserID:    callerID(r),
		Title:     strings.TrimSpace(req.Title),
		URL:       strings.TrimSpace(req.URL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.repo.PutBookmark(r.Context(), b); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// GetBookmark handles GET /bookmarks/{id}.
func (a *API) GetBookmark(w http.ResponseWriter, r *http.Request) {
	b, err := a.repo.GetBookmark(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// UpdateBookmark handles PUT /bookmarks/{id}. The bookmark must exist.
func (a *API) UpdateBookmark(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BookmarkRequest](w, r, maxResourceBodySize)
	if !ok {
		return
	}
	b, err := a.repo.GetBookmark(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.mapError(w, err)
		return
	}
	b.Title = strings.TrimSpace(req.Title)
	b.URL = strings.TrimSpace(req.URL)
	b.UpdatedAt = a.now().UTC()
	if err := a.repo.PutBookmark(r.Context(), b); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DeleteBookmark handles DELETE /bookmarks/{id}.
func (a *API) DeleteBookmark(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.DeleteBookmark(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// ListNotes handles GET /notes. Pinned notes come first.
func (a *API) ListNotes(w http.ResponseWriter, r *http.Request) {
	items, err := a.repo.ListNotes(r.Context(), callerID(r))
	if err != nil {
		a.mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(items), limit, offset)
	writeJSON(w, http.StatusOK, ListNotesResponse{
		Notes:          items[start:end],
		PaginationMeta: meta,
	})
}

// CreateNote handles POST /notes.
func (a *API) CreateNote(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[NoteRequest](w, r, maxResourceBodySize)
	if !ok {
		return
	}
	now := a.now().UTC()
	n := storage.Note{
		ID:        storage.NewID(),
		UserID:    callerID(r),
		Title:     strings.TrimSpace(req.Title),
		Body:      req.Body,
		Pinned:    req.Pinned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.repo.PutNote(r.Context(), n); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// GetNote handles GET /notes/{id}.
func (a *API) GetNote(w http.ResponseWriter, r *http.Request) {
	n, err := a.repo.GetNote(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// UpdateNote handles PUT /notes/{id}. The note must exist.
func (a *API) UpdateNote(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[NoteRequest](w, r, maxResourceBodySize)
	if !ok {
		return
	}
	n, err := a.repo.GetNote(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.mapError(w, err)
		return
	}
	n.Title = strings.TrimSpace(req.Title)
	n.Body = req.Body
	n.Pinned = req.Pinned
	n.UpdatedAt = a.now().UTC()
	if err := a.repo.PutNote(r.Context(), n); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DeleteNote handles DELETE /notes/{id}.
func (a *API) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.DeleteNote(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// ListProfileLinks handles GET /profiles.
func (a *API) ListProfileLinks(w http.ResponseWriter, r *http.Request) {
	links, err := a.repo.ListProfileLinks(r.Context(), callerID(r))
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListProfileLinksResponse{Profiles: links})
}

// CreateProfileLink handles POST /profiles. Linking the same platform
// account twice is a conflict.
func (a *API) CreateProfileLink(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ProfileLinkRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	l := storage.ProfileLink{
		ID:        storage.NewID(),
		UserID:    callerID(r),
		Platform:  strings.ToLower(strings.TrimSpace(req.Platform)),
		Username:  profile.NormalizeUsername(req.Username),
		CreatedAt: a.now().UTC(),
	}
	if err := a.repo.PutProfileLink(r.Context(), l); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// DeleteProfileLink handles DELETE /profiles/{id}.
func (a *API) DeleteProfileLink(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.DeleteProfileLink(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// RemoteProfile handles GET /profiles/remote/{username}.
func (a *API) RemoteProfile(w http.ResponseWriter, r *http.Request) {
	a.serveRemote(w, r, profile.KindProfile)
}

// RemoteTweets handles GET /profiles/remote/{username}/tweets.
func (a *API) RemoteTweets(w http.ResponseWriter, r *http.Request) {
	a.serveRemote(w, r, profile.KindTweets)
}

func (a *API) serveRemote(w http.ResponseWriter, r *http.Request, kind profile.Kind) {
	if a.profiles == nil {
		writeError(w, http.StatusServiceUnavailable, "profile proxy is not configured")
		return
	}
	username := chi.URLParam(r, "username")
	res, err := a.profiles.Get(r.Context(), kind, username)
	if err != nil {
		a.mapError(w, err)
		return
	}
	if res.Stale {
		a.logger.Debug("served stale profile", slog.String("kind", kind.String()))
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, res)
}

package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pliu/chatty-dm/internal/attachments"
	"github.com/pliu/chatty-dm/internal/middleware"
	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/store"
)

const maxMultipartMemory = 8 << 20

// Saver stores an uploaded image and returns its reference. Remove drops
// an image whose request failed after it was saved.
type Saver interface {
	Save(r io.Reader) (string, error)
	Remove(ref string) error
}

type OnlineLister interface {
	Online() []models.Identity
}

type UserHandler struct {
	Store       store.UserStore
	Presence    OnlineLister
	Attachments Saver
	Logger      *slog.Logger
}

func (h *UserHandler) Current(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(middleware.IdentityFrom(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		orDefault(h.Logger).Error("loading current user", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Others(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListOtherUsers(middleware.IdentityFrom(r.Context()))
	if err != nil {
		orDefault(h.Logger).Error("listing users", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	users, err := h.Store.SearchUsers(query)
	if err != nil {
		orDefault(h.Logger).Error("searching users", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Presence.Online())
}

// Profile updates the caller's display name and, when an "image" file is
// attached, their profile picture.
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	image, ok := saveUpload(w, r, h.Attachments, orDefault(h.Logger))
	if !ok {
		return
	}
	if name == "" && image == "" {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	user, err := h.Store.UpdateProfile(middleware.IdentityFrom(r.Context()), name, image)
	if err != nil {
		discardUpload(h.Attachments, image, orDefault(h.Logger))
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		orDefault(h.Logger).Error("updating profile", "error", err)
		writeError(w, http.StatusInternalServerError, "could not update profile")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// saveUpload stores the optional "image" file of a multipart request. It
// writes the error response itself and reports false when the request
// should stop.
func saveUpload(w http.ResponseWriter, r *http.Request, saver Saver, logger *slog.Logger) (string, bool) {
	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image upload")
		return "", false
	}
	defer file.Close()

	ref, err := saver.Save(file)
	switch {
	case errors.Is(err, attachments.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return "", false
	case errors.Is(err, attachments.ErrUnsupportedType), errors.Is(err, attachments.ErrEmpty):
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	case err != nil:
		logger.Error("saving attachment", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store image")
		return "", false
	}
	return ref, true
}

func discardUpload(saver Saver, ref string, logger *slog.Logger) {
	if ref == "" {
		return
	}
	if err := saver.Remove(ref); err != nil {
		logger.Warn("removing orphaned attachment", "ref", ref, "error", err)
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/chatty-dm/internal/chat"
	"github.com/pliu/chatty-dm/internal/middleware"
	"github.com/pliu/chatty-dm/internal/models"
)

type MessageRouter interface {
	Send(sender, receiver models.Identity, text, attachmentRef string) (*models.Message, error)
	History(a, b models.Identity) ([]models.Message, error)
	Conversations(id models.Identity) ([]models.Conversation, error)
}

type SendMessageRequest struct {
	Message string `json:"message"`
}

type MessageHandler struct {
	Router      MessageRouter
	Attachments Saver
	Logger      *slog.Logger
}

// Send accepts either a JSON body or a multipart form with a "message"
// field and an optional "image" file.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	sender := middleware.IdentityFrom(r.Context())
	receiver := models.Identity(mux.Vars(r)["receiver"])

	var text, image string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		text = req.Message
	} else {
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		text = r.FormValue("message")
		ref, ok := saveUpload(w, r, h.Attachments, orDefault(h.Logger))
		if !ok {
			return
		}
		image = ref
	}

	msg, err := h.Router.Send(sender, receiver, text, image)
	if err != nil {
		discardUpload(h.Attachments, image, orDefault(h.Logger))
	}
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "message could not be stored, try again")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	me := middleware.IdentityFrom(r.Context())
	peer := models.Identity(mux.Vars(r)["receiver"])

	messages, err := h.Router.History(me, peer)
	if err != nil {
		orDefault(h.Logger).Error("loading history", "peer", peer, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "could not load messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *MessageHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.Router.Conversations(middleware.IdentityFrom(r.Context()))
	if err != nil {
		orDefault(h.Logger).Error("listing conversations", "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "could not load conversations")
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

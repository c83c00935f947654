package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iwork/iwork/internal/auth"
	"github.com/iwork/iwork/internal/chat"
	"github.com/iwork/iwork/store/conversation"
	"github.com/iwork/iwork/store/message"
)

// Chat is the conversation service behind the REST handlers.
type Chat interface {
	FindOrCreateConversation(ctx context.Context, requesterID, otherID, contextRef string) (*conversation.Conversation, bool, error)
	ListConversations(ctx context.Context, subjectID string) ([]*chat.ConversationView, error)
	ListMessages(ctx context.Context, requesterID, conversationID string) ([]*message.Message, error)
	SendMessage(ctx context.Context, senderID, conversationID, text string) (*chat.Delivery, error)
	MarkRead(ctx context.Context, subjectID, conversationID string) error
	HideConversation(ctx context.Context, subjectID, conversationID string) error
}

// Realtime pushes persisted changes to live connections.
type Realtime interface {
	RelayMessage(ctx context.Context, d *chat.Delivery)
	NotifyRead(ctx context.Context, subjectID string)
	Online(ctx context.Context) ([]string, error)
}

type handlers struct {
	chat     Chat
	realtime Realtime
	cfg      *Config
}

func subject(r *http.Request) string {
	subjectID, _ := auth.SubjectFromContext(r.Context())
	return subjectID
}

// createConversation finds or creates the thread with recipientId,
// optionally about postId. 201 when created, 200 when found.
func (h *handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID string `json:"recipientId"`
		PostID      string `json:"postId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}

	convo, created, err := h.chat.FindOrCreateConversation(r.Context(), subject(r), req.RecipientID, req.PostID)
	if err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, h.cfg.Logger, status, convo)
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	views, err := h.chat.ListConversations(r.Context(), subject(r))
	if err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	writeJSON(w, h.cfg.Logger, http.StatusOK, views)
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chat.ListMessages(r.Context(), subject(r), mux.Vars(r)["conversationId"])
	if err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	writeJSON(w, h.cfg.Logger, http.StatusOK, msgs)
}

// sendMessage persists the message and only then relays it to the
// recipient's live connections.
func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		Text           string `json:"text"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}

	delivery, err := h.chat.SendMessage(r.Context(), subject(r), req.ConversationID, req.Text)
	if err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	h.realtime.RelayMessage(context.WithoutCancel(r.Context()), delivery)
	writeJSON(w, h.cfg.Logger, http.StatusCreated, delivery.Message)
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	subjectID := subject(r)
	if err := h.chat.MarkRead(r.Context(), subjectID, mux.Vars(r)["conversationId"]); err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	h.realtime.NotifyRead(context.WithoutCancel(r.Context()), subjectID)
	writeJSON(w, h.cfg.Logger, http.StatusOK, map[string]string{"message": "read"})
}

func (h *handlers) hideConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.HideConversation(r.Context(), subject(r), mux.Vars(r)["conversationId"]); err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	writeJSON(w, h.cfg.Logger, http.StatusOK, map[string]string{"message": "conversation hidden"})
}

func (h *handlers) online(w http.ResponseWriter, r *http.Request) {
	online, err := h.realtime.Online(r.Context())
	if err != nil {
		writeError(w, r, h.cfg.Logger, err)
		return
	}
	writeJSON(w, h.cfg.Logger, http.StatusOK, map[string][]string{"online": online})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		h.cfg.Logger.Warn("health check write error", "error", err)
	}
}

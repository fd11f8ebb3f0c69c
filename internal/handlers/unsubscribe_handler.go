package handlers

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/services/digest"
)

var unsubscribedPage = template.Must(template.New("unsubscribed").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body><p>{{.}}</p></body></html>
`))

// UnsubscribeHandler disables digest email for the user named by a signed link
type UnsubscribeHandler struct {
	service *digest.UnsubscribeService
	logger  arbor.ILogger
}

// NewUnsubscribeHandler creates a new unsubscribe handler
func NewUnsubscribeHandler(service *digest.UnsubscribeService, logger arbor.ILogger) *UnsubscribeHandler {
	return &UnsubscribeHandler{service: service, logger: logger}
}

// UnsubscribeHandler handles GET and POST /api/unsubscribe. GET is the link
// in the email body and answers with a page; POST is the one-click
// List-Unsubscribe action and answers with JSON.
func (h *UnsubscribeHandler) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	// FormValue covers the query string and a form-encoded one-click body
	req := digest.UnsubscribeRequest{
		UserID:       r.FormValue("user_id"),
		Token:        r.FormValue("token"),
		LegacyUserID: r.FormValue("uid"),
	}

	userID, err := h.service.Unsubscribe(r.Context(), req)
	if err != nil {
		if errors.Is(err, digest.ErrInvalidUnsubscribe) {
			h.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected unsubscribe request")
			h.respond(w, r, http.StatusBadRequest, "This unsubscribe link is not valid.")
			return
		}
		h.logger.Error().Err(err).Msg("Unsubscribe failed")
		h.respond(w, r, http.StatusServiceUnavailable, "We could not process your request. Please try again later.")
		return
	}

	if r.Method == http.MethodPost {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "user_id": userID})
		return
	}
	h.respond(w, r, http.StatusOK, "You have been unsubscribed from the weekly ideas digest.")
}

func (h *UnsubscribeHandler) respond(w http.ResponseWriter, r *http.Request, status int, message string) {
	if r.Method == http.MethodPost {
		if status != http.StatusOK {
			WriteError(w, status, message)
		}
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := unsubscribedPage.Execute(w, message); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write unsubscribe page")
	}
}

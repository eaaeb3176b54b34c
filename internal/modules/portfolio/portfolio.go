// Package portfolio is the portfolio API route group.
package portfolio

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/backendhub/hubd/internal/errors"
	"github.com/backendhub/hubd/internal/observability"
)

const maxMessageLength = 4000

// Module serves /portfolio.
type Module struct {
	now func() time.Time
}

// New creates the portfolio module.
func New() *Module {
	return &Module{now: time.Now}
}

// Name implements server.Module.
func (m *Module) Name() string { return "portfolio" }

// Routes implements server.Module.
func (m *Module) Routes(r chi.Router) error {
	r.Get("/", m.index)
	r.Post("/contact", m.contact)
	return nil
}

type indexResponse struct {
	Message string `json:"message"`
}

func (m *Module) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, indexResponse{Message: "Portfolio API is Running."})
}

// ContactRequest is a message left through the portfolio contact form.
type ContactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// ContactResponse acknowledges an accepted contact message.
type ContactResponse struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
}

func (m *Module) contact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be a JSON object"))
		return
	}

	if err := req.validate(); err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	resp := ContactResponse{ID: uuid.NewString(), ReceivedAt: m.now().UTC()}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Contact message received",
			zap.String("id", resp.ID),
			zap.Int("length", len(req.Message)))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (c ContactRequest) validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return apperrors.NewValidationError("name is required")
	case strings.TrimSpace(c.Message) == "":
		return apperrors.NewValidationError("message is required")
	case len(c.Message) > maxMessageLength:
		return apperrors.NewValidationError("message is too long")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return apperrors.NewValidationError("email is not a valid address")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package split is the money-splitting API route group.
//
// The module refuses to mount without its encryption and notification keys.
package split

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/backendhub/hubd/internal/config"
	apperrors "github.com/backendhub/hubd/internal/errors"
)

var (
	// ErrMissingEncryptionKey is returned when modules.split.encryption_key is empty.
	ErrMissingEncryptionKey = errors.New("encryption key not set (HUBD_ENCRYPTION_KEY)")

	// ErrMissingNotifyKey is returned when modules.split.notify_key is empty.
	ErrMissingNotifyKey = errors.New("notification key not set (HUBD_NOTIFY_KEY)")
)

// Module serves /split.
type Module struct {
	cfg config.SplitConfig
}

// New creates the split module.
func New(cfg config.SplitConfig) *Module {
	return &Module{cfg: cfg}
}

// Name implements server.Module.
func (m *Module) Name() string { return "split" }

// Routes implements server.Module.
func (m *Module) Routes(r chi.Router) error {
	if strings.TrimSpace(m.cfg.EncryptionKey) == "" {
		return ErrMissingEncryptionKey
	}
	if strings.TrimSpace(m.cfg.NotifyKey) == "" {
		return ErrMissingNotifyKey
	}

	r.Get("/", m.index)
	r.Post("/quote", m.quote)
	return nil
}

func (m *Module) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Split API is Running."})
}

// QuoteRequest asks how an amount in minor units divides between members.
type QuoteRequest struct {
	Amount  int64    `json:"amount"`
	Members []string `json:"members"`
}

// Share is one member's part of a quote.
type Share struct {
	Member string `json:"member"`
	Amount int64  `json:"amount"`
}

// QuoteResponse lists the shares. Remainder units go to the first members.
type QuoteResponse struct {
	Shares []Share `json:"shares"`
}

func (m *Module) quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be a JSON object"))
		return
	}

	shares, err := Divide(req.Amount, req.Members)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Shares: shares})
}

// Divide splits amount evenly across members in order.
func Divide(amount int64, members []string) ([]Share, error) {
	if len(members) == 0 {
		return nil, errors.New("at least one member is required")
	}
	if amount < 0 {
		return nil, errors.New("amount must be a non-negative number of minor units")
	}

	n := int64(len(members))
	base, rem := amount/n, amount%n

	shares := make([]Share, len(members))
	for i, member := range members {
		if strings.TrimSpace(member) == "" {
			return nil, errors.New("member names must not be empty")
		}
		part := base
		if int64(i) < rem {
			part++
		}
		shares[i] = Share{Member: member, Amount: part}
	}
	return shares, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package httpapi exposes the settlement layer's REST surface.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimbuspay/settlement_layer/internal/chain"
	"github.com/nimbuspay/settlement_layer/internal/domain/settlement"
	"github.com/nimbuspay/settlement_layer/internal/domain/user"
	"github.com/nimbuspay/settlement_layer/internal/ingress"
	"github.com/nimbuspay/settlement_layer/internal/metrics"
	"github.com/nimbuspay/settlement_layer/internal/services/balance"
	settlementsvc "github.com/nimbuspay/settlement_layer/internal/services/settlement"
	"github.com/nimbuspay/settlement_layer/internal/services/wallet"
	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

// maxWebhookBody caps inbound webhook payload size.
const maxWebhookBody = 1 << 20

// UserRegistrar is the subset of user management the API exposes.
type UserRegistrar interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
}

// handler bundles HTTP endpoints for the settlement services.
type handler struct {
	ingress  *ingress.Ingress
	balances *balance.Service
	coord    *settlementsvc.Coordinator
	users    UserRegistrar
	log      *logger.Logger
}

// NewHandler returns a router exposing the webhook, balance and settlement
// audit endpoints. When auth is non-nil it guards the /users subtree. When
// limit is non-nil it throttles the webhook and user endpoints; inside /users
// it runs after auth, so the bucket is keyed by the authenticated user id.
func NewHandler(in *ingress.Ingress, balances *balance.Service, coord *settlementsvc.Coordinator, users UserRegistrar, auth, limit mux.MiddlewareFunc, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{ingress: in, balances: balances, coord: coord, users: users, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	var webhook http.Handler = http.HandlerFunc(h.paymentWebhook)
	if limit != nil {
		webhook = limit(webhook)
	}
	r.Handle("/webhooks/payments", webhook).Methods(http.MethodPost)

	usersRouter := r.PathPrefix("/users").Subrouter()
	if auth != nil {
		usersRouter.Use(auth)
	}
	if limit != nil {
		usersRouter.Use(limit)
	}
	usersRouter.HandleFunc("", h.createUser).Methods(http.MethodPost)
	usersRouter.HandleFunc("/{userID}", h.getUser).Methods(http.MethodGet)
	usersRouter.HandleFunc("/{userID}/balance", h.userBalance).Methods(http.MethodGet)
	usersRouter.HandleFunc("/{userID}/settlements", h.userSettlements).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// paymentWebhook accepts signed processor notifications. A signature mismatch
// is rejected with no state change. Recorded settlement failures still return
// 200 so the processor's re-delivery only ever hits the duplicate no-op path.
func (h *handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = h.ingress.Process(r.Context(), body, r.Header.Get(ingress.SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, ingress.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, ingress.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.log.WithError(err).Error("webhook processing failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.users.CreateUser(r.Context(), user.User{ID: payload.ID, Email: payload.Email})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.GetUser(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// userBalance reads the live ledger balance, provisioning a wallet on first
// use. Transient failures surface as 503 so the caller retries; a zero
// balance is never fabricated.
func (h *handler) userBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	bal, err := h.balances.ForUser(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrUserNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, wallet.ErrProvisioningInProgress), chain.IsNetwork(err):
			writeError(w, http.StatusServiceUnavailable, errors.New("balance temporarily unavailable, try again"))
		default:
			h.log.WithError(err).WithField("user_id", userID).Error("balance query failed")
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":     bal.AccountID,
		"native_balance": bal.NativeBalance,
		"token_balance":  bal.TokenBalance,
	})
}

func (h *handler) userSettlements(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	if _, err := h.users.GetUser(r.Context(), userID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	records, err := h.coord.ListForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []settlement.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

package tunestore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPHandlers provides the HTTP surface for the sync and identity APIs.
type HTTPHandlers struct {
	store         *StoreService
	identity      *IdentityService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(store *StoreService, identity *IdentityService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		store:         store,
		identity:      identity,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes attaches all endpoints to mux.
func (h *HTTPHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/pull", h.HandlePull)
	mux.HandleFunc("/auth/anonymous", h.HandleAnonymous)
	mux.HandleFunc("/auth/restore", h.HandleRestore)
	mux.HandleFunc("/auth/convert", h.HandleConvert)
}

// HandlePush processes a batch push with per-change conflict reporting.
func (h *HTTPHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	response, err := h.store.ProcessPush(r.Context(), userID, deviceID, &pushReq)
	if err != nil {
		h.logger.Error("failed to process push", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	h.writeJSON(w, response)
}

// HandlePull serves rows modified since the client watermark for an explicit
// table subset. Query params: tables (comma separated, required), since
// (canonical timestamp, absent for full pull), limit.
func (h *HTTPHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	tablesParam := r.URL.Query().Get("tables")
	if tablesParam == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "tables parameter is required")
		return
	}
	tables := strings.Split(tablesParam, ",")

	var since time.Time
	if sinceParam := r.URL.Query().Get("since"); sinceParam != "" {
		parsed, err := ParseTime(sinceParam)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since parameter is not a valid timestamp")
			return
		}
		since = parsed
	}

	sinceID := ""
	if idParam := r.URL.Query().Get("since_id"); idParam != "" {
		if _, err := uuid.Parse(idParam); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since_id parameter is not a valid UUID")
			return
		}
		sinceID = idParam
	}

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit parameter must be a non-negative integer")
			return
		}
		limit = parsed
	}

	response, err := h.store.ProcessPull(r.Context(), userID, tables, since, sinceID, limit)
	if err != nil {
		if errors.Is(err, ErrUnregisteredTable) {
			h.writeError(w, http.StatusBadRequest, "unregistered_table", err.Error())
			return
		}
		h.logger.Error("failed to process pull", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}

	h.writeJSON(w, response)
}

// HandleAnonymous issues a brand-new anonymous identity. No auth required;
// the device id comes from the body.
func (h *HTTPHandlers) HandleAnonymous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	}

	response, err := h.identity.CreateAnonymous(r.Context(), body.DeviceID)
	if err != nil {
		h.logger.Error("failed to create anonymous identity", "error", err, "device_id", body.DeviceID)
		h.writeError(w, http.StatusInternalServerError, "identity_failed", "Failed to create identity")
		return
	}

	h.writeJSON(w, response)
}

// HandleRestore exchanges a saved refresh token for a fresh session on the
// same identity. Invalid tokens return 401 so clients fall back to creating
// a new anonymous identity.
func (h *HTTPHandlers) HandleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
		DeviceID     string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" || body.DeviceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token and device_id are required")
		return
	}

	response, err := h.identity.Restore(r.Context(), body.RefreshToken, body.DeviceID)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			h.writeError(w, http.StatusUnauthorized, "session_invalid", err.Error())
			return
		}
		h.logger.Error("failed to restore session", "error", err, "device_id", body.DeviceID)
		h.writeError(w, http.StatusInternalServerError, "identity_failed", "Failed to restore session")
		return
	}

	h.writeJSON(w, response)
}

// HandleConvert attaches credentials to the authenticated identity.
func (h *HTTPHandlers) HandleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var convertReq ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&convertReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse convert request")
		return
	}

	response, err := h.identity.Convert(r.Context(), userID, convertReq.Email, convertReq.Password)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailTaken):
			h.writeError(w, http.StatusConflict, "email_taken", err.Error())
		case errors.Is(err, ErrAlreadyConverted):
			h.writeError(w, http.StatusConflict, "already_converted", err.Error())
		case errors.Is(err, ErrSessionInvalid):
			h.writeError(w, http.StatusUnauthorized, "session_invalid", err.Error())
		default:
			h.logger.Error("failed to convert identity", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "identity_failed", "Failed to convert identity")
		}
		return
	}

	h.writeJSON(w, response)
}

func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errCode, Message: message})
}

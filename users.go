package sandboxd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/banksean/sandboxd/store"
)

// registerRequest is the /api/register payload.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "username, email and password are required")
		return
	}

	ctx := r.Context()
	if existing, err := s.store.GetUserByUsername(ctx, req.Username); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to register user")
		return
	} else if existing != nil {
		writeJSONError(w, http.StatusBadRequest, "Username already registered")
		return
	}
	if existing, err := s.store.GetUserByEmail(ctx, req.Email); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to register user")
		return
	} else if existing != nil {
		writeJSONError(w, http.StatusBadRequest, "Email already registered")
		return
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		slog.ErrorContext(ctx, "Server.handleRegister hash", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}
	apiKey, err := GenerateAPIKey()
	if err != nil {
		slog.ErrorContext(ctx, "Server.handleRegister key", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}
	user, err := s.store.CreateUser(ctx, req.Username, req.Email, hashed, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent registration.
			writeJSONError(w, http.StatusBadRequest, "Username already registered")
			return
		}
		slog.ErrorContext(ctx, "Server.handleRegister create", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}
	slog.InfoContext(ctx, "Server.handleRegister", "user", user.ID, "username", user.Username)
	writeJSONStatus(w, http.StatusCreated, user)
}

// handleToken exchanges username/password for a bearer JWT. Credentials
// arrive as a form post or as JSON.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	username, password := tokenCredentials(r)
	if username == "" || password == "" {
		writeJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx := r.Context()
	user, err := s.gate.Authenticate(ctx, username, password)
	if err != nil {
		slog.ErrorContext(ctx, "Server.handleToken", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	if user == nil || !user.IsActive {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	token, err := s.gate.IssueToken(user.Username)
	if err != nil {
		slog.ErrorContext(ctx, "Server.handleToken sign", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func tokenCredentials(r *http.Request) (username, password string) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", ""
		}
		return req.Username, req.Password
	}
	if err := r.ParseForm(); err != nil {
		return "", ""
	}
	return r.PostFormValue("username"), r.PostFormValue("password")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, user)
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, map[string]string{"api_key": user.APIKey})
}

// handleRegenerateAPIKey replaces the caller's api key. The old key stops
// authenticating immediately.
func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	ctx := r.Context()
	apiKey, err := GenerateAPIKey()
	if err != nil {
		slog.ErrorContext(ctx, "Server.handleRegenerateAPIKey", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to regenerate API key")
		return
	}
	updated, err := s.store.UpdateAPIKey(ctx, user.ID, apiKey)
	if err != nil || updated == nil {
		slog.ErrorContext(ctx, "Server.handleRegenerateAPIKey update", "user", user.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to regenerate API key")
		return
	}
	slog.InfoContext(ctx, "Server.handleRegenerateAPIKey", "user", user.ID)
	writeJSON(w, map[string]string{"api_key": updated.APIKey})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	sandboxes, err := s.manager.ListSandboxes(r.Context(), user.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "Server.handleListSandboxes", "user", user.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to list sandboxes")
		return
	}
	writeJSON(w, sandboxes)
}

// handleDeleteSandbox deletes one of the caller's sandboxes. The 404 for an
// unowned sandbox matches the 404 for an absent one.
func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeJSONError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	sandboxID := chi.URLParam(r, "sandboxID")
	ctx := r.Context()
	owner, err := s.store.IsOwner(ctx, user.ID, sandboxID)
	if err != nil {
		slog.ErrorContext(ctx, "Server.handleDeleteSandbox", "sandbox", sandboxID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to delete sandbox")
		return
	}
	if !owner {
		writeJSONError(w, http.StatusNotFound, "Sandbox not found or does not belong to this user")
		return
	}
	writeJSON(w, s.manager.DeleteSandbox(ctx, sandboxID))
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lantern-chat/lantern/internal/auth"
	"github.com/lantern-chat/lantern/internal/db"
	"github.com/lantern-chat/lantern/internal/mfa"
	"github.com/lantern-chat/lantern/internal/middleware"
	"github.com/lantern-chat/lantern/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTP     string `json:"totp,omitempty"`
}

type loginResponse struct {
	Auth    string           `json:"auth"`
	Expires time.Time        `json:"expires"`
	UserID  models.Snowflake `json:"user_id"`
}

// handleLogin verifies credentials (password, plus TOTP or backup code
// when the account has MFA set), then issues a fresh bearer token and
// session row.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<14)).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	user, err := s.state.DB.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		middleware.Logger(ctx).Error("login user lookup failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.Passhash)
	if err != nil {
		middleware.Logger(ctx).Error("password verify failed", "user_id", user.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID := models.SnowflakeFromInt64(user.ID)

	if len(user.MFA) > 0 {
		if req.TOTP == "" {
			http.Error(w, "TOTP required", http.StatusUnauthorized)
			return
		}
		if err := mfa.ValidateTokenShape(req.TOTP); err != nil {
			http.Error(w, "TOTP required", http.StatusUnauthorized)
			return
		}
		err := s.mfa.Process2FA(ctx, userID, mfa.Provided{Encrypted: user.MFA}, req.Password, req.TOTP)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInvalidCredentials):
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		case errors.Is(err, mfa.ErrDecrypt), errors.Is(err, mfa.ErrEncrypt):
			// Cryptographic failures are logged with the user id inside
			// the engine and surface as a plain internal error.
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		default:
			middleware.Logger(ctx).Error("2fa processing failed", "user_id", userID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	token, err := auth.NewBearerToken()
	if err != nil {
		middleware.Logger(ctx).Error("token generation failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	expires := time.Now().Add(s.state.Config.SessionDuration)
	if err := s.state.DB.InsertSession(ctx, token[:], userID, expires); err != nil {
		middleware.Logger(ctx).Error("session insert failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	authz := auth.UserAuthorization(userID, token, expires, models.UserFlags(user.Flags))
	s.state.Auth.Cache.Put(authz)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{
		Auth:    auth.BearerAuthToken(token).Format(),
		Expires: expires,
		UserID:  userID,
	})
}

// handleLogout invalidates the presented session: the row is removed and
// the token enters the negative cache until its natural expiry.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	authz, ok := middleware.GetAuthorization(r.Context())
	if !ok || authz.IsBot() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := authz.Token
	if err := s.state.DB.DeleteSession(r.Context(), token[:]); err != nil {
		middleware.Logger(r.Context()).Error("logout delete failed", "user_id", authz.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.state.Auth.Cache.Invalidate(auth.BearerAuthToken(token), authz.Expires)

	w.WriteHeader(http.StatusNoContent)
}

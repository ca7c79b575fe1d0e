package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gigline/jobchat/internal/auth"
	"github.com/gigline/jobchat/internal/store"
)

const defaultTokenTTL = 24 * time.Hour

type TokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	UserId    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *JobChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// issueConnectToken exchanges credentials for a signed connect token
// the websocket handshake accepts. Only available when a signing key
// is configured.
func (s *JobChatApp) issueConnectToken(w http.ResponseWriter, r *http.Request) {
	if s.signingKey == nil {
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetUserByEmail(req.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, store.ErrNotFound) {
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !user.IsActive || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := auth.CreateConnectToken(s.signingKey, user.Id, defaultTokenTTL)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, TokenResponse{
		UserId:    user.Id,
		Token:     token,
		ExpiresAt: time.Now().Add(defaultTokenTTL),
	})
}

func (s *JobChatApp) connectionStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, s.gateway.Stats())
}

func (s *JobChatApp) health(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		errResp := NewServiceUnavailableError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *JobChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	s.gateway.HandleConnection(conn)
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tipvault/custody"
)

// Signup creates a custodial wallet and opens a session for it.
func (s *Server) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(strings.TrimSpace(req.Password)) < 8 {
		s.writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	address, err := s.custody.CreateWallet(r.Context(), req.Password)
	if err != nil {
		s.logger.Error("wallet creation failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create wallet")
		return
	}
	token, err := s.custody.IssueSession(address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	s.setSessionCookie(w, token)
	s.writeJSON(w, http.StatusCreated, map[string]string{"address": address})
}

// Login re-authenticates a wallet password and opens a session.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address  string `json:"address"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.custody.Authenticate(r.Context(), strings.TrimSpace(req.Address), req.Password); err != nil {
		if errors.Is(err, custody.ErrInvalidCredentials) {
			s.writeError(w, http.StatusUnauthorized, "invalid address or password")
			return
		}
		s.logger.Error("login failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	token, err := s.custody.IssueSession(strings.TrimSpace(req.Address))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to open session")
		return
	}
	s.setSessionCookie(w, token)
	s.writeJSON(w, http.StatusOK, map[string]string{"address": strings.TrimSpace(req.Address)})
}

// Logout clears the session cookie.
func (s *Server) Logout(w http.ResponseWriter, _ *http.Request) {
	s.clearSessionCookie(w)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Me returns the authenticated caller's address.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	address, err := CallerAddress(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

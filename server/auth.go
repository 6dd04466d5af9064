package server

import (
	"context"
	"errors"
	"net/http"
)

type contextKey string

const contextKeyAddress contextKey = "caller_address"

var errNoCaller = errors.New("server: no authenticated caller in context")

// RequireSession authenticates the session cookie and stores the caller
// address in the request context. Missing, malformed, and expired tokens all
// produce the same response.
func (s *Server) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := s.sessionAddress(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAddress, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) sessionAddress(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return "", err
	}
	return s.custody.VerifySession(cookie.Value)
}

// CallerAddress returns the authenticated caller stored by RequireSession.
func CallerAddress(ctx context.Context) (string, error) {
	address, ok := ctx.Value(contextKeyAddress).(string)
	if !ok || address == "" {
		return "", errNoCaller
	}
	return address, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

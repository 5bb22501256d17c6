package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"jwks-srv/internal/keys"
	"jwks-srv/internal/logger"
)

const detailNoValidKeys = "No valid keys available"

// JWKS endpoint handler - GET /.well-known/jwks.json and GET /jwks
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Keys.JWKS(r.Context())
	if err != nil {
		s.log.Error("failed to build JWKS", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Failed to get JWKS")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, set)
}

// auth endpoint handler - POST /auth
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	expired, err := parseBool(r.URL.Query().Get("expired"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid expired parameter")
		return
	}

	issued, err := s.deps.Issuer.Issue(r.Context(), expired)
	switch {
	case errors.Is(err, keys.ErrNoValidKeys):
		writeDetail(w, http.StatusInternalServerError, detailNoValidKeys)
		return
	case err != nil:
		s.log.Error("failed to issue token", logger.Kind(expired), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Failed to create JWT")
		return
	}

	if s.deps.AuthLog != nil {
		if err := s.deps.AuthLog.LogAuthRequest(r.Context(), clientIP(r), issued.KeyID); err != nil {
			s.log.Warn("failed to record auth request", logger.KeyID(issued.KeyID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": issued.Token})
}

// POST /generate-key - mint and store a fresh key outside the rotation schedule
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.deps.Keys.GenerateKey(r.Context())
	if err != nil {
		s.log.Error("failed to generate key", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "Failed to generate key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"kid":     strconv.FormatInt(k.ID, 10),
		"message": "Key generated and stored securely.",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// error bodies are always {"detail": "..."}
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// query flag; empty means false
func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no", "off":
		return false, nil
	case "true", "1", "yes", "on":
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}

// remote host without the port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

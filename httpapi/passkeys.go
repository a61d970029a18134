package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/robokop/oneid"
)

func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request, principal oneid.Principal) {
	opts, err := s.ID.Ceremonies.StartRegistration(r.Context(), principal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleVerifyRegistration(w http.ResponseWriter, r *http.Request, principal oneid.Principal) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ID.Ceremonies.FinishRegistration(r.Context(), principal, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"verified": res.Verified}
	if res.Credential != nil {
		out["passkey"] = newPasskeyView(res.Credential)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAuthenticationOptions starts a discoverable ceremony. Its session id
// is kept in the browser session and also returned for cookieless clients.
func (s *Server) handleAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.ID.Ceremonies.StartAuthentication(r.Context(), oneid.AuthenticationRequest{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Session.RenewToken(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Session.Put(r.Context(), passkeySessionKey, opts.SessionID)
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handleVerifyAuthentication(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sessionID := s.Session.PopString(r.Context(), passkeySessionKey)
	if sessionID == "" {
		var carrier struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(body, &carrier)
		sessionID = carrier.SessionID
	}
	if sessionID == "" {
		s.writeError(w, r, oneid.NewAuthError(oneid.KindAuthFailure, oneid.ErrCodeChallengeMissing, "No pending challenge, start the ceremony again", ""))
		return
	}

	res, err := s.ID.Ceremonies.FinishAuthentication(r.Context(), oneid.AssertionRequest{SessionID: sessionID, Response: body})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Verified {
		writeJSON(w, http.StatusOK, map[string]any{"verified": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified": true,
		"token":    res.Token,
		"user":     newUserView(res.User),
	})
}

func (s *Server) handleListPasskeys(w http.ResponseWriter, r *http.Request, principal oneid.Principal) {
	creds, err := s.ID.Ceremonies.ListCredentials(r.Context(), principal)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]passkeyView, 0, len(creds))
	for _, c := range creds {
		out = append(out, newPasskeyView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeletePasskey(w http.ResponseWriter, r *http.Request, principal oneid.Principal) {
	if err := s.ID.Ceremonies.DeleteCredential(r.Context(), principal, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Passkey deleted successfully"})
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/robokop/oneid"
)

type tokenRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Message string   `json:"message"`
	Token   string   `json:"token"`
	User    userView `json:"user"`
}

// handleValidateToken checks a bearer token and returns its user. An emailed
// login link is redeemed here, so the response carries a fresh session token
// in its place.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" {
		s.writeError(w, r, oneid.NewAuthError(oneid.KindAuthFailure, oneid.ErrCodeUnauthenticated, "No token provided", "token"))
		return
	}
	payload, err := s.ID.Tokens.VerifyToken(req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session := req.Token
	if payload.Purpose == oneid.PurposeLoginLink {
		res, err := s.ID.EmailLinks.RedeemEmailToken(r.Context(), req.Token, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		session = res.Token
	}

	view, err := s.profile(r, payload.UserID)
	if err != nil {
		// a deleted user makes the token useless
		if oneid.KindOf(err) == oneid.KindNotFound {
			err = oneid.NewAuthError(oneid.KindAuthFailure, oneid.ErrCodeUserNotFound, "User not found", "")
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Message: "Token is valid", Token: session, User: view})
}

type emailRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleVerificationLink(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Email == "" {
		s.writeError(w, r, oneid.NewAuthError(oneid.KindValidation, oneid.ErrCodeMissingField, "Email is required", "email"))
		return
	}
	dispatch, err := s.ID.EmailLinks.StartEmailLogin(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	message := "Login link sent successfully"
	if dispatch.NewUser {
		message = "Account activation link sent successfully to " + dispatch.Recipient
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": message, "newUser": dispatch.NewUser})
}

func (s *Server) handleInspectActivation(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.writeError(w, r, oneid.NewAuthError(oneid.KindValidation, oneid.ErrCodeMissingField, "Token is required", "token"))
		return
	}
	info, err := s.ID.EmailLinks.InspectActivationToken(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"email": info.Email, "exp": info.ExpiresAt.Unix()})
}

type activateRequest struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

func (s *Server) handleActivateNewUser(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" {
		s.writeError(w, r, oneid.NewAuthError(oneid.KindValidation, oneid.ErrCodeMissingField, "Token is required", "token"))
		return
	}
	if _, err := s.ID.Tokens.VerifyActivationToken(req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ID.EmailLinks.RedeemEmailToken(r.Context(), req.Token, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User created successfully",
		"token":   res.Token,
		"user":    newUserView(res.User),
	})
}

// handleLogout drops any ceremony state held for the browser. Session
// tokens are stateless and simply discarded by the client.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Session.Destroy(r.Context()); err != nil {
		s.logger().ErrorContext(r.Context(), "destroy session", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to log out"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func notFoundOr(err, sentinel error, code, message string) error {
	if errors.Is(err, sentinel) {
		return oneid.NewAuthError(oneid.KindNotFound, code, message, "")
	}
	return err
}

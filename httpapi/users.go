package httpapi

import (
	"net/http"

	"github.com/robokop/oneid"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.ID.Passwords.RegisterWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ID.Passwords.LoginWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginView{Token: res.Token, User: newUserView(res.User)})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, principal oneid.Principal) {
	view, err := s.profile(r, principal.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// profile loads the user together with their passkey count
func (s *Server) profile(r *http.Request, userID string) (userView, error) {
	user, err := s.ID.Ceremonies.Users.FindUserByID(r.Context(), userID)
	if err != nil {
		return userView{}, notFoundOr(err, oneid.ErrUserNotFound, oneid.ErrCodeUserNotFound, "User not found")
	}
	creds, err := s.ID.Ceremonies.ListCredentials(r.Context(), oneid.Principal{UserID: userID})
	if err != nil {
		return userView{}, err
	}
	view := newUserView(user)
	n := len(creds)
	view.Passkeys = &n
	return view, nil
}

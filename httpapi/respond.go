package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/robokop/oneid"
)

const maxBodyBytes = 64 << 10

// errorBody is written for every failed request
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

// StatusForKind maps an error kind to the HTTP status it is reported with
func StatusForKind(kind oneid.ErrorKind) int {
	switch kind {
	case oneid.KindValidation:
		return http.StatusBadRequest
	case oneid.KindNotFound:
		return http.StatusNotFound
	case oneid.KindConflict:
		return http.StatusConflict
	case oneid.KindAuthFailure, oneid.KindCloneDetected:
		return http.StatusUnauthorized
	case oneid.KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *oneid.AuthError
	if !errors.As(err, &ae) {
		s.logger().ErrorContext(r.Context(), "unhandled error", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
		return
	}
	status := StatusForKind(ae.Kind)
	if status >= http.StatusInternalServerError {
		s.logger().ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "code", ae.Code, "error", err)
	}
	writeJSON(w, status, errorBody{Error: ae.Message, Code: ae.Code, Field: ae.Field})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return oneid.NewAuthError(oneid.KindValidation, "invalid_body", "Invalid request body", "")
	}
	return nil
}

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 || !json.Valid(body) {
		return nil, oneid.NewAuthError(oneid.KindValidation, "invalid_body", "Invalid request body", "")
	}
	return body, nil
}

// userView is the public shape of a user
type userView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	AvatarURL   string    `json:"profilePicture,omitempty"`
	HasPassword bool      `json:"hasPassword"`
	Passkeys    *int      `json:"passkeys,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newUserView(u *oneid.User) userView {
	return userView{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.DisplayName,
		AvatarURL:   u.AvatarURL,
		HasPassword: u.HasPassword(),
		CreatedAt:   u.CreatedAt,
	}
}

// passkeyView omits key material
type passkeyView struct {
	ID         string     `json:"id"`
	DeviceType string     `json:"deviceType"`
	BackedUp   bool       `json:"backedUp"`
	Transports []string   `json:"transports"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func newPasskeyView(c *oneid.Credential) passkeyView {
	transports := c.Transports
	if transports == nil {
		transports = []string{}
	}
	return passkeyView{
		ID:         c.ID,
		DeviceType: c.DeviceType,
		BackedUp:   c.BackedUp,
		Transports: transports,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
	}
}

type loginView struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

package authapi

import "encoding/json"

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenPair is the credential pair issued by the backend.
type TokenPair struct {
	// Access is the short-lived bearer credential.
	// Usage: Include in Authorization header: "Bearer <access>"
	Access string `json:"access,omitempty"`

	// Refresh is the longer-lived credential, only ever sent to the refresh and logout endpoints.
	// Optional in refresh responses: absent means the backend did not rotate it.
	Refresh string `json:"refresh,omitempty"`
}

// LoginResponse is the reply to a successful login.
// Example: {"tokens":{"access":"A1","refresh":"R1"},"user":{"id":"u1","email":"a@school.test","role":"staff"}}
type LoginResponse struct {
	Tokens TokenPair    `json:"tokens"`
	User   *UserPayload `json:"user,omitempty"`
}

// RefreshRequest is the body of POST /auth/token/refresh.
type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshResponse is the reply to a refresh.
//
// The canonical shape is {"tokens":{"access":...,"refresh":...}}. Older backend builds reply
// with a bare {"access":...}; UnmarshalJSON folds that shape into Tokens so nothing past the
// decoder has to know about it.
type RefreshResponse struct {
	Tokens TokenPair    `json:"tokens"`
	User   *UserPayload `json:"user,omitempty"`
}

func (r *RefreshResponse) UnmarshalJSON(data []byte) error {
	var wire struct {
		Tokens  *TokenPair   `json:"tokens"`
		Access  string       `json:"access"`
		Refresh string       `json:"refresh"`
		User    *UserPayload `json:"user"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.User = wire.User
	if wire.Tokens != nil {
		r.Tokens = *wire.Tokens
		return nil
	}
	r.Tokens = TokenPair{Access: wire.Access, Refresh: wire.Refresh}
	return nil
}

// LogoutRequest is the body of POST /auth/logout.
type LogoutRequest struct {
	Refresh string `json:"refresh"`
}

// ErrorResponse is the error body the backend returns on 4xx replies. Either field may be set.
type ErrorResponse struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e ErrorResponse) Text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}

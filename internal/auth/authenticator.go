package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/suPer8Hu/wardlink/internal/models"
	"github.com/suPer8Hu/wardlink/internal/store"
)

// QueryParams are the query parameter names accepted as a credential, in order.
var QueryParams = []string{"token", "access_token", "auth"}

const protocolHeader = "Sec-WebSocket-Protocol"

// UserDirectory is the read side of the user service.
type UserDirectory interface {
	FindUserByID(ctx context.Context, id uint64) (*models.User, error)
}

// Principal is an authenticated connection owner.
type Principal struct {
	UserID   uint64
	Username string
	Role     string
	// Subprotocol is set when the credential came from the protocol
	// header; the upgrade must echo it back.
	Subprotocol string
}

type Authenticator struct {
	verifier Verifier
	users    UserDirectory
}

func NewAuthenticator(v Verifier, users UserDirectory) *Authenticator {
	return &Authenticator{verifier: v, users: users}
}

// Authenticate resolves the connection request to a principal. Every
// failure wraps one of ErrMissingCredential, ErrExpired, ErrInvalid or
// ErrUnknownUser.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	cred, proto := ExtractCredential(r)
	if cred == "" {
		return Principal{}, ErrMissingCredential
	}
	id, err := a.verifier.Verify(cred)
	if err != nil {
		return Principal{}, err
	}
	u, err := a.users.FindUserByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, fmt.Errorf("%w: id=%d", ErrUnknownUser, id.UserID)
		}
		return Principal{}, fmt.Errorf("%w: user lookup: %v", ErrUnknownUser, err)
	}
	// the directory owns the role; the claim only fills a gap
	role := u.Role
	if role == "" {
		role = id.Role
	}
	return Principal{UserID: u.ID, Username: u.Username, Role: role, Subprotocol: proto}, nil
}

// ExtractCredential tries the authorization header, then the query
// parameters, then the websocket protocol header. proto is the protocol
// value to echo when the last source matched.
func ExtractCredential(r *http.Request) (cred string, proto string) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if t, ok := cutBearer(h); ok {
			return t, ""
		}
	}

	q := r.URL.Query()
	for _, name := range QueryParams {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			if t, ok := cutBearer(v); ok {
				return t, ""
			}
			return v, ""
		}
	}

	var parts []string
	for _, h := range r.Header.Values(protocolHeader) {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}
	for i, p := range parts {
		if strings.EqualFold(p, "bearer") && i+1 < len(parts) {
			return parts[i+1], p
		}
		if t, ok := cutBearer(p); ok {
			return t, p
		}
		if len(p) > len("bearer.") && strings.EqualFold(p[:len("bearer.")], "bearer.") {
			return p[len("bearer."):], p
		}
	}
	return "", ""
}

func cutBearer(v string) (string, bool) {
	if len(v) > len("bearer ") && strings.EqualFold(v[:len("bearer ")], "bearer ") {
		if t := strings.TrimSpace(v[len("bearer "):]); t != "" {
			return t, true
		}
	}
	return "", false
}

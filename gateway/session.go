package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/example/storefront/pkg/config"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

const sessionTokenKey = "token"

// SessionCarrier moves the anonymous cart token between client and server.
// A token in the header wins over the signed cookie.
type SessionCarrier struct {
	store      *sessions.CookieStore
	cookieName string
	headerName string
}

// NewSessionCarrier signs cookies with session.key. Without a key a random
// one is generated, so cookies do not survive a restart.
func NewSessionCarrier(cfg config.SessionConfig) (*SessionCarrier, error) {
	key := []byte(cfg.Key)
	if len(key) == 0 {
		key = securecookie.GenerateRandomKey(32)
		if key == nil {
			return nil, fmt.Errorf("failed to generate session key")
		}
	}

	store := sessions.NewCookieStore(key)
	store.MaxAge(cfg.MaxAge)
	store.Options.Path = "/"
	store.Options.Domain = cfg.Domain
	store.Options.Secure = cfg.Secure
	store.Options.HttpOnly = true
	store.Options.SameSite = http.SameSiteLaxMode

	return &SessionCarrier{
		store:      store,
		cookieName: cfg.CookieName,
		headerName: cfg.HeaderName,
	}, nil
}

// Token returns the caller's session token, or "" if it sent none or the
// cookie fails verification.
func (s *SessionCarrier) Token(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(s.headerName)); token != "" {
		return token
	}
	session, err := s.store.Get(r, s.cookieName)
	if err != nil {
		return ""
	}
	token, _ := session.Values[sessionTokenKey].(string)
	return token
}

// Save echoes token in the response header and stores it in the cookie.
func (s *SessionCarrier) Save(w http.ResponseWriter, r *http.Request, token string) error {
	if token == "" {
		return nil
	}
	w.Header().Set(s.headerName, token)

	// An unreadable cookie yields a fresh session alongside the error.
	session, _ := s.store.Get(r, s.cookieName)
	if current, _ := session.Values[sessionTokenKey].(string); current == token && !session.IsNew {
		return nil
	}
	session.Values[sessionTokenKey] = token
	return session.Save(r, w)
}

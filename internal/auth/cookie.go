package auth

import (
	"net/http"
	"time"
)

const DefaultCookieName = "bizfolio_session"

// Cookies writes and reads the session cookie. The session token never
// travels any other way.
type Cookies struct {
	Name   string
	Secure bool
	Domain string
}

func (c Cookies) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

func (c Cookies) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name())
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func (c Cookies) Set(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

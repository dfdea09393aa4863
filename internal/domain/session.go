package domain

// SessionStatus is the authentication state reported by the session provider.
type SessionStatus string

const (
	SessionLoading         SessionStatus = "loading"
	SessionUnauthenticated SessionStatus = "unauthenticated"
	SessionAuthenticated   SessionStatus = "authenticated"
)

// Session is owned by the session provider. The app layer only reads it.
// AccessToken is set only when Status is SessionAuthenticated.
type Session struct {
	Status      SessionStatus
	AccessToken string
}

// Authenticated reports whether the session carries a usable bearer token.
func (s Session) Authenticated() bool {
	return s.Status == SessionAuthenticated && s.AccessToken != ""
}

package api

// AuthScheme is the Authorization header scheme.
type AuthScheme string

const (
	BotScheme    AuthScheme = "Bot"
	BearerScheme AuthScheme = "Bearer"
)

// Auth is a scheme and token pair for the Authorization header.
type Auth struct {
	Scheme AuthScheme
	Token  string
}

// BotAuth returns bot-token credentials.
func BotAuth(token string) Auth {
	return Auth{Scheme: BotScheme, Token: token}
}

// BearerAuth returns OAuth2 bearer credentials.
func BearerAuth(token string) Auth {
	return Auth{Scheme: BearerScheme, Token: token}
}

// String formats the header value, "Bot abc" or "Bearer abc".
func (a Auth) String() string {
	return string(a.Scheme) + " " + a.Token
}

// IsZero reports whether no credentials are set.
func (a Auth) IsZero() bool {
	return a.Token == ""
}

package oauth

const (
	// DefaultClientID is the public client id of the Moen Smart Water iOS app.
	DefaultClientID = "6qn9pep31dglq6ed4fvlq6rp5t"
	// DefaultUserAgent matches the app build the token endpoint was captured from.
	DefaultUserAgent = "Smartwater-iOS-prod-3.39.0"
)

// Declaration defines the token endpoint contract for one configured account.
type Declaration struct {
	Account   string
	TokenURL  string
	UserAgent string
}

// Credentials identify a Moen account. They never change for a configured account.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

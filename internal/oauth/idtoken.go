package oauth

import "github.com/lestrrat-go/jwx/v3/jwt"

// describeIDToken returns slog attributes for the identity in an id_token.
// The token is only read for log context, so its signature is not checked.
func describeIDToken(raw string) []any {
	if raw == "" {
		return nil
	}
	token, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil
	}

	var attrs []any
	if subject, ok := token.Subject(); ok && subject != "" {
		attrs = append(attrs, "subject", subject)
	}
	var email string
	if err := token.Get("email", &email); err == nil && email != "" {
		attrs = append(attrs, "email", email)
	}
	return attrs
}

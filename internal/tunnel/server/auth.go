package server

import (
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// authenticate validates token against the configured API keys and, if
// enabled, as a JWT signed with the shared secret. Both mechanisms are
// tried in order; the first to accept wins. Returns the extracted user
// slug (possibly empty) on success.
func authenticate(cfg AuthConfig, token string) (userSlug string, ok bool) {
	for _, key := range cfg.APIKeys {
		if key == token {
			return apiKeyUserSlug(token), true
		}
	}

	if cfg.JWTEnabled {
		if slug, valid := verifyJWT(cfg.JWTSecret, token); valid {
			return slug, true
		}
	}

	return "", false
}

// apiKeyUserSlug extracts user_info from an API key of the form
// "sk-<id>...": user_info = <id>, normalised.
func apiKeyUserSlug(token string) string {
	const prefix = "sk-"
	if !strings.HasPrefix(token, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(token, prefix)
	end := strings.IndexAny(rest, "-_.")
	if end < 0 {
		end = len(rest)
	}
	return normalizeSlug(rest[:end])
}

// verifyJWT parses and validates an HMAC-signed (HS256/HS384/HS512) JWT,
// rejecting other algorithms and expired tokens,
// and extracts sub/username as the user slug.
func verifyJWT(secret, tokenStr string) (userSlug string, ok bool) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, isHMAC := t.Method.(*jwt.SigningMethodHMAC); !isHMAC {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}

	claims, valid := token.Claims.(jwt.MapClaims)
	if !valid {
		return "", true
	}

	if sub, present := claims["sub"].(string); present && sub != "" {
		return normalizeSlug(sub), true
	}
	if username, present := claims["username"].(string); present && username != "" {
		return normalizeSlug(username), true
	}
	return "", true
}

// normalizeSlug lowercases, strips disallowed characters, and clips to 30
// chars, per spec.md §4.8.1.
func normalizeSlug(s string) string {
	s = strings.ToLower(s)
	s = slugInvalid.ReplaceAllString(s, "")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}

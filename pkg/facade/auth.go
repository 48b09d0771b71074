package facade

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/earcrawler/earcrawler/pkg/policy"
)

// identity is the resolved caller of one request.
type identity struct {
	ID    string
	Keyed bool
	Roles []policy.Role
}

// resolveIdentity classifies the caller. Keyed identity is the SHA-256
// of the presented API key, or the JWT subject when a valid bearer token
// carries role claims. The raw key never leaves this function.
func (s *Server) resolveIdentity(r *http.Request) identity {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && len(s.cfg.JWTSecret) > 0 {
		if id, ok := s.parseJWT(strings.TrimPrefix(auth, "Bearer ")); ok {
			return id
		}
	}

	if key := r.Header.Get("X-Api-Key"); key != "" && s.cfg.APIKey != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1 {
			sum := sha256.Sum256([]byte(key))
			return identity{
				ID:    "key:" + hex.EncodeToString(sum[:8]),
				Keyed: true,
				Roles: []policy.Role{policy.RoleReader},
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	return identity{ID: "anon:" + host, Roles: []policy.Role{policy.RoleReader}}
}

// parseJWT validates an HS256 token and extracts subject and roles.
// Unknown role names are dropped; a token with no usable roles falls
// back to reader.
func (s *Server) parseJWT(token string) (identity, bool) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.cfg.JWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return identity{}, false
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return identity{}, false
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return identity{}, false
	}

	var roles []policy.Role
	if raw, ok := claims["roles"].([]any); ok {
		for _, v := range raw {
			name, _ := v.(string)
			switch role := policy.Role(name); role {
			case policy.RoleReader, policy.RoleOperator, policy.RoleMaintainer, policy.RoleAdmin:
				roles = append(roles, role)
			}
		}
	}
	if len(roles) == 0 {
		roles = []policy.Role{policy.RoleReader}
	}
	return identity{ID: "jwt:" + sub, Keyed: true, Roles: roles}, true
}

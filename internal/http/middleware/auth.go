package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/careline/internal/access"
)

// CallerClaims are the claims of a careline session token: the subject is
// the user id and role is patient, therapist or admin.
type CallerClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AuthConfig selects the accepted token issuers. Secret verifies HS256
// session tokens; Cognito verifies RS256 tokens from a user pool.
type AuthConfig struct {
	Secret  string
	Cognito CognitoConfig
}

// Authenticate resolves the bearer token into an access.Caller stored on the
// request context. Requests without a valid token get 401.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	var cognito *cognitoVerifier
	if cfg.Cognito.configured() {
		cognito = newCognitoVerifier(cfg.Cognito)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeAuthError(w, "missing authorization header")
				return
			}
			tokenString := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			var (
				caller access.Caller
				err    error
			)
			if cognito != nil && looksLikeRS256(tokenString) {
				caller, err = cognito.verify(r.Context(), tokenString)
			} else {
				caller, err = verifySessionToken(cfg.Secret, tokenString)
			}
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(access.WithCaller(r.Context(), caller)))
		})
	}
}

func verifySessionToken(secret, tokenString string) (access.Caller, error) {
	if secret == "" {
		return access.Caller{}, jwt.ErrTokenUnverifiable
	}
	claims := &CallerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return access.Caller{}, jwt.ErrTokenInvalidClaims
	}
	role := access.Role(strings.ToLower(claims.Role))
	if claims.Subject == "" || !role.Valid() {
		return access.Caller{}, jwt.ErrTokenInvalidClaims
	}
	return access.Caller{UserID: claims.Subject, Role: role}, nil
}

// RequireStaff rejects callers that are not therapists or admins.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := access.CallerFromContext(r.Context())
		if !ok || !caller.IsStaff() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "access denied"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/careline/internal/access"
)

const jwksTTL = time.Hour

// CognitoConfig holds AWS Cognito user pool settings. Issuer and JWKSURL
// default to the pool's public endpoints.
type CognitoConfig struct {
	Region     string
	UserPoolID string
	ClientID   string
	Issuer     string
	JWKSURL    string
}

func (c CognitoConfig) configured() bool {
	return c.Issuer != "" || (c.Region != "" && c.UserPoolID != "")
}

func (c CognitoConfig) issuer() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// CognitoClaims are the Cognito token claims used to build a caller. The
// role comes from custom:role, or else the first cognito group naming a role.
type CognitoClaims struct {
	jwt.RegisteredClaims
	TokenUse      string   `json:"token_use"`
	ClientID      string   `json:"client_id"`
	CustomRole    string   `json:"custom:role"`
	CognitoGroups []string `json:"cognito:groups"`
}

func (c *CognitoClaims) role() access.Role {
	if r := access.Role(strings.ToLower(c.CustomRole)); r.Valid() {
		return r
	}
	for _, g := range c.CognitoGroups {
		r := access.Role(strings.TrimSuffix(strings.ToLower(g), "s"))
		if r.Valid() {
			return r
		}
	}
	return ""
}

type cognitoVerifier struct {
	cfg     CognitoConfig
	issuer  string
	jwksURL string
	client  *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func newCognitoVerifier(cfg CognitoConfig) *cognitoVerifier {
	issuer := cfg.issuer()
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}
	return &cognitoVerifier{
		cfg:     cfg,
		issuer:  issuer,
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *cognitoVerifier) verify(ctx context.Context, tokenString string) (access.Caller, error) {
	claims := &CognitoClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing key id")
		}
		return v.key(ctx, kid)
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return access.Caller{}, fmt.Errorf("cognito: %w", err)
	}

	if v.cfg.ClientID != "" {
		switch claims.TokenUse {
		case "id":
			aud, _ := claims.GetAudience()
			if !slices.Contains(aud, v.cfg.ClientID) {
				return access.Caller{}, errors.New("cognito: invalid audience")
			}
		case "access":
			if claims.ClientID != v.cfg.ClientID {
				return access.Caller{}, errors.New("cognito: invalid client_id")
			}
		}
	}

	role := claims.role()
	if claims.Subject == "" || role == "" {
		return access.Caller{}, errors.New("cognito: token has no careline role")
	}
	return access.Caller{UserID: claims.Subject, Role: role}, nil
}

func (v *cognitoVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	if time.Now().Before(v.expires) {
		if k, ok := v.keys[kid]; ok {
			v.mu.RUnlock()
			return k, nil
		}
	}
	v.mu.RUnlock()

	keys, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.keys = keys
	v.expires = time.Now().Add(jwksTTL)
	v.mu.Unlock()

	k, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}
	return k, nil
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *cognitoVerifier) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed with status %d", resp.StatusCode)
	}

	var body struct {
		Keys []jwkKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(body.Keys))
	for _, k := range body.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("no RSA keys in JWKS")
	}
	return keys, nil
}

func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// looksLikeRS256 peeks at the token header without verifying anything.
func looksLikeRS256(tokenString string) bool {
	header, _, ok := strings.Cut(tokenString, ".")
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	var h struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	return json.Unmarshal(raw, &h) == nil && h.Alg == "RS256" && h.Kid != ""
}

package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "docroute-signing-1"

// Principal describes the user a test token is minted for.
type Principal struct {
	SubjectID string
	Email     string
	Roles     []string
}

// tokenIssuer signs RS256 tokens and publishes the matching key on a JWKS
// endpoint.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	set := map[string]any{"keys": []map[string]any{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		key:      key,
		jwks:     srv,
		issuer:   "https://id.docroute.test",
		audience: "docroute-test",
	}
}

// Token mints a token for p valid for the next hour.
func (ti *tokenIssuer) Token(p Principal) string {
	return ti.sign(p, time.Now(), time.Hour)
}

// ExpiredToken mints a token for p that expired an hour ago.
func (ti *tokenIssuer) ExpiredToken(p Principal) string {
	return ti.sign(p, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) sign(p Principal, issuedAt time.Time, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(issuedAt.Add(ttl)),
		"sub":   p.SubjectID,
		"email": p.Email,
	}
	if len(p.Roles) > 0 {
		roles := make([]any, len(p.Roles))
		for i, r := range p.Roles {
			roles[i] = r
		}
		claims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

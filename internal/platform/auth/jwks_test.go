package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func rsaPublicKeyToJWK(privateKey *rsa.PrivateKey, kid string) JWKSKey {
	pub := &privateKey.PublicKey
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func newJWKSServer(t *testing.T, fetches *int32, keys ...JWKSKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches != nil {
			atomic.AddInt32(fetches, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWKSCache_GetKey(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	var fetches int32
	srv := newJWKSServer(t, &fetches, rsaPublicKeyToJWK(privateKey, "k1"),
		JWKSKey{Kty: "EC", Kid: "ec-key"})

	cache := NewJWKSCache(srv.URL, 5*time.Minute)
	key, err := cache.GetKey("k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.N.Cmp(privateKey.PublicKey.N) != 0 || key.E != privateKey.PublicKey.E {
		t.Error("fetched key does not match original")
	}
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("unexpected error on cache hit: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected a single fetch, got %d", n)
	}

	if _, err := cache.GetKey("ec-key"); err == nil {
		t.Error("expected non-RSA key to be skipped")
	}
}

func TestJWKSCache_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, time.Minute).GetKey("any"); err == nil {
		t.Fatal("expected error for failing JWKS endpoint")
	}
}

func TestParseRSAPublicKey_Invalid(t *testing.T) {
	tests := []JWKSKey{
		{Kty: "RSA", N: "!!!invalid-base64!!!", E: "AQAB"},
		{Kty: "RSA", N: base64.RawURLEncoding.EncodeToString(big.NewInt(12345).Bytes()), E: "!!!invalid-base64!!!"},
	}
	for _, k := range tests {
		if _, err := parseRSAPublicKey(k); err == nil {
			t.Errorf("expected error for %+v", k)
		}
	}
}

func TestKeyFunc_NoKidHeader(t *testing.T) {
	keyFunc := NewJWKSCache("http://127.0.0.1:1", time.Minute).KeyFunc()
	_, err := keyFunc(&jwt.Token{Header: map[string]interface{}{}})
	if err == nil || err.Error() != "token has no kid header" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_OIDCDiscovery(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	jwks := newJWKSServer(t, nil, rsaPublicKeyToJWK(privateKey, "rs-1"))

	var issuer string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"issuer": issuer, "jwks_uri": jwks.URL})
	}))
	defer idp.Close()
	issuer = idp.URL

	claims := validClaims("svc-sync", RoleMapper)
	claims.Issuer = issuer
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "rs-1"
	tokenStr, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/StructureMap", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "svc-sync" {
			t.Errorf("expected svc-sync, got %s", uid)
		}
		return nil
	}
	if err := JWTMiddleware(JWTConfig{Issuer: issuer})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDiscoverOIDC_MissingJWKSURI(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer idp.Close()

	if _, err := DiscoverOIDC(idp.URL); err == nil {
		t.Fatal("expected error for missing jwks_uri")
	}
}

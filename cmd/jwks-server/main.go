// Command jwks-server issues relay API tokens for local setups and publishes
// the verification key as a JWKS document for the relay to fetch.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/tonharbor/internal/auth"
	"github.com/austindbirch/tonharbor/internal/logging"
)

const defaultTTL = time.Hour

type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS#1 or PKCS#8 RSA private key, or generates one when
// pemData is empty
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func (i *issuer) jwk() auth.JSONWebKey {
	pub := i.key.PublicKey
	return auth.JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: i.keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func (i *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/jwks.json", i.jwksHandler)
	r.Post("/token", i.tokenHandler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (i *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{Keys: []auth.JSONWebKey{i.jwk()}})
}

type tokenRequest struct {
	AppID string `json:"app_id"`
	TTL   int    `json:"ttl_seconds,omitempty"`
}

func (i *issuer) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.AppID == "" {
		http.Error(w, "app_id is required", http.StatusBadRequest)
		return
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	token, err := i.sign(req.AppID, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func (i *issuer) sign(appID string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":    i.issuer,
		"aud":    i.audience,
		"sub":    appID,
		"app_id": appID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	token.Header["kid"] = i.keyID
	return token.SignedString(i.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("tonharbor-jwks")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("loading signing key failed")
	}
	i := &issuer{
		key:      key,
		keyID:    getenv("JWT_KEY_ID", "tonharbor-key-1"),
		issuer:   getenv("JWT_ISSUER", "tonharbor"),
		audience: getenv("JWT_AUDIENCE", "tonharbor-relay"),
		now:      time.Now,
	}

	addr := ":" + getenv("PORT", "8082")
	logger.Plain().WithFields(map[string]any{"addr": addr, "kid": i.keyID}).Info("JWKS server starting")
	if err := http.ListenAndServe(addr, i.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("JWKS server failed")
	}
}

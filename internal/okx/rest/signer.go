package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"
)

type Signer struct {
	apiKey     string
	secret     []byte
	passphrase string
}

func NewSigner(apiKey, secret, passphrase string) *Signer {
	return &Signer{apiKey: apiKey, secret: []byte(secret), passphrase: passphrase}
}

// Sign returns base64(HMAC-SHA256(secret, ts+method+path+body)).
func (s *Signer) Sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func (s *Signer) Apply(h http.Header, now time.Time, method, path, body string) {
	ts := Timestamp(now)
	h.Set("OK-ACCESS-KEY", s.apiKey)
	h.Set("OK-ACCESS-SIGN", s.Sign(ts, method, path, body))
	h.Set("OK-ACCESS-TIMESTAMP", ts)
	h.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
}

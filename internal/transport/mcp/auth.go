package mcp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerActor     = "x-actor"
	headerTS        = "x-ts"
	headerNonce     = "x-nonce"
	headerSignature = "x-signature"

	maxSkew = 5 * time.Minute
)

// canonical is the string a client signs: unix-millis timestamp, method,
// path, actor, nonce and the raw body, newline separated.
func canonical(ts, method, path, actor, nonce string, body []byte) string {
	return ts + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + actor + "\n" + nonce + "\n" + string(body)
}

func sign(secret []byte, msg string) string {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

type authResult struct {
	actor     string
	signature string
	status    int
	message   string
}

func (a authResult) ok() bool { return a.status == 0 }

func verify(r *http.Request, body, secret []byte, now time.Time) authResult {
	actor := strings.TrimSpace(r.Header.Get(headerActor))
	ts := strings.TrimSpace(r.Header.Get(headerTS))
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(headerSignature)))

	switch {
	case actor == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerActor}
	case ts == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerTS}
	case nonce == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerNonce}
	case sig == "":
		return authResult{status: http.StatusUnauthorized, message: "missing " + headerSignature}
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return authResult{status: http.StatusUnauthorized, message: "bad " + headerTS}
	}
	if d := now.Sub(time.UnixMilli(ms)); d > maxSkew || d < -maxSkew {
		return authResult{status: http.StatusUnauthorized, message: headerTS + " outside window"}
	}

	want := sign(secret, canonical(ts, r.Method, r.URL.Path, actor, nonce, body))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return authResult{status: http.StatusUnauthorized, message: "bad signature"}
	}
	return authResult{actor: actor, signature: sig}
}

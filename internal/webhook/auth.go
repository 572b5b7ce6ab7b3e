package webhook

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// sharedSecretOK checks the per-channel shared secret against every
// place providers are known to put it. All comparisons are constant time.
func sharedSecretOK(r *http.Request, secret string) bool {
	candidates := []string{
		r.URL.Query().Get("guid"),
		r.URL.Query().Get("password"),
		r.Header.Get("X-Guid"),
		r.Header.Get("X-Password"),
		r.Header.Get("X-BlueBubbles-Guid"),
		bearerToken(r.Header.Get("Authorization")),
	}
	ok := false
	for _, c := range candidates {
		if c == "" {
			continue
		}
		// No early exit: every present candidate is compared.
		if subtle.ConstantTimeCompare([]byte(c), []byte(secret)) == 1 {
			ok = true
		}
	}
	return ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// TwilioAuth validates X-Twilio-Signature: HMAC-SHA1 over the full URL
// concatenated with the sorted POST parameters, base64 encoded.
type TwilioAuth struct {
	AuthToken string
}

func (a *TwilioAuth) Valid(fullURL string, form url.Values, signature string) bool {
	if a.AuthToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(a.AuthToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// PlivoAuth validates Plivo V2 and V3 signatures. V2 is HMAC-SHA256 over
// URL+nonce; V3 is HMAC-SHA256 over base URL + nonce + sorted POST
// params. Either passing validates the request.
type PlivoAuth struct {
	AuthToken string
}

// Valid returns whether any Plivo signature on the request verifies, and
// the matched signature value for replay fingerprinting.
func (a *PlivoAuth) Valid(fullURL string, header http.Header, form url.Values) (bool, string) {
	if a.AuthToken == "" {
		return false, ""
	}
	if sig := header.Get("X-Plivo-Signature-V3"); sig != "" {
		nonce := header.Get("X-Plivo-Signature-V3-Nonce")
		if a.validV3(fullURL, nonce, form, sig) {
			return true, sig
		}
	}
	if sig := header.Get("X-Plivo-Signature-V2"); sig != "" {
		nonce := header.Get("X-Plivo-Signature-V2-Nonce")
		if a.validV2(fullURL, nonce, sig) {
			return true, sig
		}
	}
	return false, ""
}

func (a *PlivoAuth) validV2(fullURL, nonce, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.AuthToken))
	mac.Write([]byte(fullURL + nonce))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

func (a *PlivoAuth) validV3(fullURL, nonce string, form url.Values, signature string) bool {
	base := fullURL
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(nonce)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha256.New, []byte(a.AuthToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	// Plivo may send multiple comma-separated V3 signatures.
	for _, sig := range strings.Split(signature, ",") {
		if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(sig))) == 1 {
			return true
		}
	}
	return false
}

// TelnyxAuth validates Ed25519 signatures over "timestamp|rawBody".
type TelnyxAuth struct {
	// PublicKey is the base64-encoded Ed25519 public key from the Telnyx
	// portal.
	PublicKey string
}

func (a *TelnyxAuth) Valid(timestamp, signature string, body []byte) bool {
	if a.PublicKey == "" || timestamp == "" || signature == "" {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(a.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	payload := append([]byte(timestamp+"|"), body...)
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

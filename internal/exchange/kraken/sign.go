// Package kraken implements the LIVE exchange adapter variant against
// a Kraken-class REST + WebSocket v2 API, grounded on
// original_source/kraken_native_api.py and kraken_websocket_v2.py.
package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"sort"
	"strings"
)

// encodeBody URL-encodes a parameter map the way Kraken's Python
// client does with urllib.parse.urlencode(data, safe='[]') --
// preserving literal '[' and ']' inside keys like "close[ordertype]"
// so conditional-close bracket parameters survive encoding. Go's
// net/url Values.Encode() percent-encodes brackets unconditionally,
// so this is a small purpose-built encoder rather than a stdlib call.
func encodeBody(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(encodeKeepBrackets(k))
		b.WriteByte('=')
		b.WriteString(encodeKeepBrackets(params[k]))
	}
	return b.String()
}

func encodeKeepBrackets(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '[' || r == ']':
			b.WriteRune(r)
		case isUnreserved(r):
			b.WriteRune(r)
		default:
			for _, bt := range []byte(string(r)) {
				b.WriteString("%")
				b.WriteString(strings.ToUpper(hexByte(bt)))
			}
		}
	}
	return b.String()
}

func isUnreserved(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == '~'
}

func hexByte(b byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[b>>4], hex[b&0x0f]})
}

// sign computes Kraken's API-Sign header value:
//   HMAC-SHA512(base64Decode(secret), urlpath + SHA256(nonce + postdata))
// per original_source/kraken_native_api.py's _get_signature.
func sign(secretB64, urlPath, nonce, postdata string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(nonce + postdata))
	shaSum := h.Sum(nil)

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(urlPath))
	mac.Write(shaSum)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

package gateway

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the request signature: MD5 of the sorted, URL-encoded non-empty
// params followed by the passphrase. The signature field itself is excluded.
func Sign(params url.Values, passphrase string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" || strings.TrimSpace(params.Get(k)) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		pairs = append(pairs, k+"="+url.QueryEscape(strings.TrimSpace(params.Get(k))))
	}
	if passphrase != "" {
		pairs = append(pairs, "passphrase="+url.QueryEscape(passphrase))
	}

	sum := md5.Sum([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])
}

// ValidSignature compares a received signature with the expected one in constant time.
func ValidSignature(params url.Values, passphrase, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(params, passphrase)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

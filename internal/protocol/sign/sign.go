// Package sign computes the request signature the messaging service expects
// on authenticated calls: an MD5 hex digest over the sub-token, request
// timestamp, app key, and serialized payload, joined by '&'.
package sign

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

var ErrNoSubToken = errors.New("sign: token cookie missing or malformed")

// Request computes the signature query parameter.
func Request(subToken string, timestampMS int64, appKey, payload string) string {
	seed := subToken + "&" + strconv.FormatInt(timestampMS, 10) + "&" + appKey + "&" + payload
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// SubToken extracts the signing sub-token from the composite token cookie:
// everything before the first '_' of the cookie value.
func SubToken(cookies map[string]string, cookieName string) (string, error) {
	raw, ok := cookies[cookieName]
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrNoSubToken
	}
	sub, _, _ := strings.Cut(raw, "_")
	if strings.TrimSpace(sub) == "" {
		return "", ErrNoSubToken
	}
	return sub, nil
}

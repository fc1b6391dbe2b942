package controller

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

var emptyBody = []byte("{}")

// CompactBody serializes fields as compact JSON with sorted keys. An empty
// field set serializes as "{}".
func CompactBody(fields map[string]any) ([]byte, error) {
	if len(fields) == 0 {
		return emptyBody, nil
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}

// BodyHash returns the lowercase hex SHA-256 of body, treating an empty body as "{}".
func BodyHash(body []byte) string {
	if len(body) == 0 {
		body = emptyBody
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign computes the request signature expected by the controller:
// sha256hex("&access_token=T&appID=A&secretKey=S&timestamp=TS&" + bodyHash + "&").
func Sign(token, appID, secret string, timestampMillis int64, bodyHash string) string {
	var canonical strings.Builder
	canonical.WriteString("&access_token=")
	canonical.WriteString(token)
	canonical.WriteString("&appID=")
	canonical.WriteString(appID)
	canonical.WriteString("&secretKey=")
	canonical.WriteString(secret)
	canonical.WriteString("&timestamp=")
	canonical.WriteString(strconv.FormatInt(timestampMillis, 10))
	canonical.WriteString("&")
	canonical.WriteString(bodyHash)
	canonical.WriteString("&")
	sum := sha256.Sum256([]byte(canonical.String()))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short non-reversible tag for logging a token.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

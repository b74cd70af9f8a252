package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// MaxSignatureSkew bounds how old a signed Slack request may be.
const MaxSignatureSkew = 5 * time.Minute

var (
	errMissingSignature = errors.New("missing signature headers")
	errStaleSignature   = errors.New("request timestamp outside the allowed window")
	errBadSignature     = errors.New("signature mismatch")
)

// Sign computes the Slack v0 signature of body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a Slack request signature against secret.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	if timestamp == "" || signature == "" {
		return errMissingSignature
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errMissingSignature
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSignatureSkew {
		return errStaleSignature
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return errBadSignature
	}
	return nil
}

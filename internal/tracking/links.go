// Package tracking builds and verifies the public tracking URLs embedded in
// outgoing mail, rewrites message bodies to use them, and serves the
// endpoints recipients hit when they open, click or unsubscribe.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Link kinds, also the path segment after /track/.
const (
	KindOpen        = "open"
	KindClick       = "click"
	KindUnsubscribe = "unsubscribe"
)

// ErrInvalidLink is returned for tampered, truncated or malformed links.
var ErrInvalidLink = errors.New("invalid tracking link")

// URLBuilder produces signed tracking URLs. Output is deterministic for a
// given base URL and key.
type URLBuilder struct {
	baseURL string
	key     []byte
}

// NewURLBuilder returns a builder rooted at baseURL.
func NewURLBuilder(baseURL, signingKey string) *URLBuilder {
	return &URLBuilder{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     []byte(signingKey),
	}
}

// BaseURL returns the configured root without a trailing slash.
func (b *URLBuilder) BaseURL() string { return b.baseURL }

// PixelURL returns the open-tracking image URL for messageID.
func (b *URLBuilder) PixelURL(messageID string) string {
	return b.build(KindOpen, messageID)
}

// ClickURL returns a redirecting URL that records a click and then sends
// the recipient to dest. dest is carried byte for byte.
func (b *URLBuilder) ClickURL(messageID, dest string) string {
	return b.build(KindClick, messageID+"|"+dest)
}

// UnsubscribeURL returns the one-click unsubscribe URL for messageID.
func (b *URLBuilder) UnsubscribeURL(messageID string) string {
	return b.build(KindUnsubscribe, messageID)
}

func (b *URLBuilder) build(kind, payload string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf("%s/track/%s/%s/%s", b.baseURL, kind, encoded, b.sign(kind, payload))
}

// sign binds the signature to the link kind so an open link cannot be
// replayed as an unsubscribe.
func (b *URLBuilder) sign(kind, payload string) string {
	h := hmac.New(sha256.New, b.key)
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (b *URLBuilder) verify(kind, encoded, sig string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidLink
	}
	payload := string(raw)
	if !hmac.Equal([]byte(b.sign(kind, payload)), []byte(sig)) {
		return "", ErrInvalidLink
	}
	return payload, nil
}

// ParseOpen verifies an open link's path segments and returns the message id.
func (b *URLBuilder) ParseOpen(encoded, sig string) (string, error) {
	return b.parseMessageOnly(KindOpen, encoded, sig)
}

// ParseUnsubscribe verifies an unsubscribe link.
func (b *URLBuilder) ParseUnsubscribe(encoded, sig string) (string, error) {
	return b.parseMessageOnly(KindUnsubscribe, encoded, sig)
}

func (b *URLBuilder) parseMessageOnly(kind, encoded, sig string) (string, error) {
	payload, err := b.verify(kind, encoded, sig)
	if err != nil {
		return "", err
	}
	if payload == "" || strings.Contains(payload, "|") {
		return "", ErrInvalidLink
	}
	return payload, nil
}

// ParseClick verifies a click link and returns the message id and the exact
// destination it was built with.
func (b *URLBuilder) ParseClick(encoded, sig string) (messageID, dest string, err error) {
	payload, err := b.verify(KindClick, encoded, sig)
	if err != nil {
		return "", "", err
	}
	messageID, dest, ok := strings.Cut(payload, "|")
	if !ok || messageID == "" || dest == "" {
		return "", "", ErrInvalidLink
	}
	return messageID, dest, nil
}

// IsTrackingURL reports whether u already points at this builder's
// tracking endpoints.
func (b *URLBuilder) IsTrackingURL(u string) bool {
	return strings.HasPrefix(u, b.baseURL+"/track/")
}

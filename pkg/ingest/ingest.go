// Package ingest turns inbound email payloads into newsletters. It verifies
// Mailgun webhook signatures, rejects stale and replayed deliveries, and
// extracts plain text from HTML bodies.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

var (
	// ErrInvalidSignature means the HMAC did not match the signing key.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrStaleTimestamp means the delivery is older than the allowed window.
	ErrStaleTimestamp = errors.New("webhook timestamp too old")

	// ErrReplayedToken means this delivery token was already accepted.
	ErrReplayedToken = errors.New("webhook token already seen")
)

// Signature is the Mailgun webhook signature triple.
type Signature struct {
	Timestamp string
	Token     string
	Signature string
}

// Verifier checks Mailgun webhook signatures and tracks delivery tokens to
// reject replays.
type Verifier struct {
	signingKey string
	maxAge     time.Duration
	dedupeTTL  time.Duration
	now        func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier from config.
func NewVerifier(cfg config.IngestConfig, opts ...VerifierOption) (*Verifier, error) {
	if cfg.MailgunSigningKey == "" {
		return nil, fmt.Errorf("mailgun signing key is required")
	}

	v := &Verifier{
		signingKey: cfg.MailgunSigningKey,
		maxAge:     cfg.WebhookMaxAge,
		dedupeTTL:  cfg.DedupeTTL,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the signature, its age, and whether the token was replayed.
// A passing token is recorded, so verifying the same delivery twice fails.
func (v *Verifier) Verify(sig Signature) error {
	if sig.Timestamp == "" || sig.Token == "" || sig.Signature == "" {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(v.signingKey))
	mac.Write([]byte(sig.Timestamp + sig.Token))
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(sig.Signature))) != 1 {
		return ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	now := v.now()
	if v.maxAge > 0 && now.Sub(time.Unix(unix, 0)) > v.maxAge {
		return ErrStaleTimestamp
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for token, at := range v.seen {
		if now.Sub(at) > v.dedupeTTL {
			delete(v.seen, token)
		}
	}
	if _, ok := v.seen[sig.Token]; ok {
		return ErrReplayedToken
	}
	v.seen[sig.Token] = now
	return nil
}

// Sign computes the signature Mailgun would send for a timestamp and token.
// Exported for tests and local tooling.
func Sign(signingKey, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

// InboundMessage is the inbound email payload after form decoding.
type InboundMessage struct {
	From      string
	Subject   string
	BodyPlain string
	BodyHTML  string
	Timestamp string
}

// ToNewsletter converts an inbound message into a newsletter. The plain body
// is preferred; when only HTML is present its text is extracted.
func ToNewsletter(msg InboundMessage) (*store.Newsletter, error) {
	text := strings.TrimSpace(msg.BodyPlain)
	if text == "" && msg.BodyHTML != "" {
		text = ExtractText(msg.BodyHTML)
	}
	if text == "" {
		return nil, fmt.Errorf("message has no usable body")
	}

	n := &store.Newsletter{
		Subject:    msg.Subject,
		TextBody:   text,
		HTMLBody:   msg.BodyHTML,
		SourceType: store.SourceTypeMailgun,
		ReceivedAt: time.Now().UTC(),
	}

	if addr, err := mail.ParseAddress(msg.From); err == nil {
		n.FromEmail = addr.Address
		n.FromName = addr.Name
	} else {
		n.FromEmail = strings.TrimSpace(msg.From)
	}

	if unix, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		n.ReceivedAt = time.Unix(unix, 0).UTC()
	}

	return n, nil
}

// skipElements are not rendered as text.
var skipElements = map[string]bool{
	"script": true,
	"style":  true,
	"head":   true,
	"title":  true,
}

// blockElements introduce line breaks in the extracted text.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
}

// ExtractText strips markup from an HTML document, keeping block structure
// as newlines. Parse failures degrade to returning the input trimmed.
func ExtractText(htmlSrc string) string {
	root, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return strings.TrimSpace(htmlSrc)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(root)

	return collapseWhitespace(b.String())
}

// collapseWhitespace squeezes runs of spaces and blank lines.
func collapseWhitespace(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

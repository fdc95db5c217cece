package ingest

import (
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

const testKey = "key-3ax6xnjp29jd6fds4gc373sgvjxteol0"

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.IngestConfig{
		MailgunSigningKey: testKey,
		WebhookMaxAge:     15 * time.Minute,
		DedupeTTL:         10 * time.Minute,
	}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return v
}

func signedAt(ts time.Time, token string) Signature {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return Signature{
		Timestamp: timestamp,
		Token:     token,
		Signature: Sign(testKey, timestamp, token),
	}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	assert.NoError(t, v.Verify(signedAt(now, "tok-1")))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	sig := signedAt(now, "tok-1")
	sig.Signature = Sign("wrong-key", sig.Timestamp, sig.Token)
	assert.ErrorIs(t, v.Verify(sig), ErrInvalidSignature)

	assert.ErrorIs(t, v.Verify(Signature{}), ErrInvalidSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	old := signedAt(now.Add(-16*time.Minute), "tok-old")
	assert.ErrorIs(t, v.Verify(old), ErrStaleTimestamp)

	fresh := signedAt(now.Add(-14*time.Minute), "tok-fresh")
	assert.NoError(t, v.Verify(fresh))
}

func TestVerifyRejectsReplay(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	sig := signedAt(now, "tok-1")
	require.NoError(t, v.Verify(sig))
	assert.ErrorIs(t, v.Verify(sig), ErrReplayedToken)
}

func TestVerifyForgetsTokensAfterTTL(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now
	v, err := NewVerifier(config.IngestConfig{
		MailgunSigningKey: testKey,
		WebhookMaxAge:     time.Hour,
		DedupeTTL:         10 * time.Minute,
	}, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	require.NoError(t, v.Verify(signedAt(now, "tok-1")))

	clock = now.Add(11 * time.Minute)
	assert.NoError(t, v.Verify(signedAt(clock, "tok-1")),
		"token expired from the dedupe window is accepted again")
}

func TestNewVerifierRequiresKey(t *testing.T) {
	_, err := NewVerifier(config.IngestConfig{})
	assert.Error(t, err)
}

func TestToNewsletterPrefersPlainBody(t *testing.T) {
	n, err := ToNewsletter(InboundMessage{
		From:      `"Ben Thompson" <ben@stratechery.example>`,
		Subject:   "The State of SaaS",
		BodyPlain: "plain text body",
		BodyHTML:  "<p>html body</p>",
		Timestamp: "1772000000",
	})
	require.NoError(t, err)

	assert.Equal(t, "ben@stratechery.example", n.FromEmail)
	assert.Equal(t, "Ben Thompson", n.FromName)
	assert.Equal(t, "The State of SaaS", n.Subject)
	assert.Equal(t, "plain text body", n.TextBody)
	assert.Equal(t, "<p>html body</p>", n.HTMLBody)
	assert.Equal(t, store.SourceTypeMailgun, n.SourceType)
	assert.Equal(t, int64(1772000000), n.ReceivedAt.Unix())
}

func TestToNewsletterExtractsHTMLFallback(t *testing.T) {
	n, err := ToNewsletter(InboundMessage{
		From:     "bare@example.com",
		BodyHTML: "<html><body><h1>Title</h1><p>First para.</p></body></html>",
	})
	require.NoError(t, err)
	assert.Equal(t, "bare@example.com", n.FromEmail)
	assert.Equal(t, "Title\nFirst para.", n.TextBody)
}

func TestToNewsletterRejectsEmptyBody(t *testing.T) {
	_, err := ToNewsletter(InboundMessage{From: "a@b.c"})
	assert.Error(t, err)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "drops script and style",
			html: "<html><head><style>p{}</style></head><body><script>x()</script><p>kept</p></body></html>",
			want: "kept",
		},
		{
			name: "block elements become newlines",
			html: "<div>one</div><div>two</div><ul><li>three</li><li>four</li></ul>",
			want: "one\ntwo\nthree\nfour",
		},
		{
			name: "inline elements keep flow",
			html: "<p>read <a href='x'>this link</a> now</p>",
			want: "read this link now",
		},
		{
			name: "collapses whitespace runs",
			html: "<p>a    lot   of    space</p>\n\n<p>second</p>",
			want: "a lot of space\nsecond",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(tt.html))
		})
	}
}

func TestSignMatchesKnownVector(t *testing.T) {
	// Fixed inputs must always produce the same hex digest.
	got := Sign("secret", "1600000000", "token")
	require.Len(t, got, 64)
	assert.Equal(t, got, Sign("secret", "1600000000", "token"))
	assert.NotEqual(t, got, Sign("secret2", "1600000000", "token"))

	_, err := hex.DecodeString(got)
	assert.NoError(t, err)
}

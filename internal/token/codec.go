// Package token implements the signed-URL protocol gating cached video
// delivery: a token binds a client's User-Agent and IP, a song id, and a
// file checksum to a single signature, with no server-side state.
package token

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Reasons a token failed verification. Distinguishable for logging, never
// surfaced to the client beyond a generic 400.
var (
	ErrMalformed         = errors.New("token: malformed")
	ErrSignatureMismatch = errors.New("token: signature mismatch")
	ErrExpired           = errors.New("token: expired")
)

// futureSkew is the tolerance for a sign_ts that is slightly ahead of the
// verifier's clock (clock skew between edge processes), per spec.md's
// "recommend a symmetric tolerance" note.
const futureSkew = 5 * time.Second

// Codec encodes and verifies tokens for a single process-wide secret.
type Codec struct {
	secret string
	valid  time.Duration
	now    func() time.Time
}

// New creates a Codec. validFor is how long an encoded token remains
// verifiable after it was issued.
func New(secret string, validFor time.Duration) *Codec {
	return &Codec{secret: secret, valid: validFor, now: time.Now}
}

// VerifyError carries the mismatching values for logging; it is never
// formatted into a client-facing response body.
type VerifyError struct {
	Reason   error
	Token    string
	ID       string
	Checksum string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s (id=%s checksum=%s token=%s)", e.Reason, e.ID, e.Checksum, e.Token)
}

func (e *VerifyError) Unwrap() error { return e.Reason }

// Encode produces a token string for the given song id, checksum, and
// requesting client's User-Agent and IP.
func (c *Codec) Encode(id uint32, checksum, userAgent, clientIP string) string {
	ts := c.now().Unix()
	return c.build(id, checksum, ts, randField(userAgent), uidField(clientIP))
}

// Verify checks a presented token against the id and checksum it was
// supposedly issued for. Tokens are stateless: the rand/uid fields embedded
// in the token are part of its own signature, so Verify recomputes from the
// token alone — it never needs the verifying request's User-Agent or IP.
func (c *Codec) Verify(presented string, id uint32, checksum string) error {
	malformed := &VerifyError{Reason: ErrMalformed, Token: presented, ID: fmt.Sprint(id), Checksum: checksum}

	// rand is base64.URLEncoding of the User-Agent, whose alphabet includes
	// '-', so the token can't be split evenly from the left. sign_ts has no
	// '-' in it (decimal), and sign/uid are the last two '-'-delimited
	// fields (md5-hex and dotted-quad-or-hex, neither containing '-'), so
	// parse positionally: first field from the left, last two fields from
	// the right, rand is whatever's left in the middle.
	firstDash := strings.IndexByte(presented, '-')
	if firstDash < 0 {
		return malformed
	}
	signTsStr := presented[:firstDash]
	rest := presented[firstDash+1:]

	lastDash := strings.LastIndexByte(rest, '-')
	if lastDash < 0 {
		return malformed
	}
	sign := rest[lastDash+1:]
	rest = rest[:lastDash]

	midDash := strings.LastIndexByte(rest, '-')
	if midDash < 0 {
		return malformed
	}
	rand := rest[:midDash]
	uid := rest[midDash+1:]
	_ = sign // recomputed and compared against presented as a whole below

	signTs, err := strconv.ParseInt(signTsStr, 10, 64)
	if err != nil {
		return malformed
	}

	expected := c.build(id, checksum, signTs, rand, uid)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return &VerifyError{Reason: ErrSignatureMismatch, Token: presented, ID: fmt.Sprint(id), Checksum: checksum}
	}

	now := c.now()
	issued := time.Unix(signTs, 0)
	if issued.After(now.Add(futureSkew)) {
		return &VerifyError{Reason: ErrExpired, Token: presented, ID: fmt.Sprint(id), Checksum: checksum}
	}
	if now.Sub(issued) > c.valid {
		return &VerifyError{Reason: ErrExpired, Token: presented, ID: fmt.Sprint(id), Checksum: checksum}
	}

	return nil
}

// build recomputes the four-field token for a fixed sign_ts, rand, and uid —
// shared by Encode (which derives rand/uid from the live request) and Verify
// (which takes them from the presented token so the signature can be
// recomputed bit-exactly).
func (c *Codec) build(id uint32, checksum string, signTs int64, rand, uid string) string {
	sign := c.sign(id, checksum, signTs, rand, uid)
	return fmt.Sprintf("%d-%s-%s-%s", signTs, rand, uid, sign)
}

func (c *Codec) sign(id uint32, checksum string, signTs int64, rand, uid string) string {
	input := fmt.Sprintf("/v/%d-%s.mp4-%d-%s-%s-%s", id, checksum, signTs, rand, uid, c.secret)
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// randField is the URL-safe base64 of the client's raw User-Agent bytes.
func randField(userAgent string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(userAgent))
}

// uidField sanitises a client IP into a dotted-quad-safe token: IPv4
// addresses pass through as-is, IPv6 and anything else is hex-encoded so it
// never collides with the '-'-delimited token shape.
func uidField(clientIP string) string {
	host := clientIP
	if h, _, err := net.SplitHostPort(clientIP); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return hex.EncodeToString([]byte(host))
}

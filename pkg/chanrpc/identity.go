package chanrpc

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// identityAlphabet is the set of characters a short, log-friendly identity
// token is drawn from (§6's "opaque identifier").
const identityAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// roleTagPong and roleTagPing are appended to a Channel's identity once its
// role in the handshake is known (§6: "-L" for the pong side, "-R" for the
// ping side).
const (
	roleTagPong = "-L"
	roleTagPing = "-R"
)

// newIdentityToken produces a random 5-character token for a new Channel's
// opaque identifier, ahead of the role suffix the handshake will append.
func newIdentityToken() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("chanrpc: failed to generate identity token: %w", err)
	}
	out := make([]byte, 5)
	for i, b := range buf {
		out[i] = identityAlphabet[int(b)%len(identityAlphabet)]
	}
	return string(out), nil
}

// nextDebugSeq is a process-wide monotonic counter used only for log
// correlation (never sent on the wire).
var nextDebugSeq uint64

func allocDebugSeq() uint64 {
	return atomic.AddUint64(&nextDebugSeq, 1)
}

// canonicalizeOrigin reduces an origin/identity string to scheme+host+
// optional-port, discarding any path component, per §4.7. The wildcard "*"
// is returned unchanged.
func canonicalizeOrigin(origin string) (string, error) {
	if origin == "*" {
		return origin, nil
	}
	if origin == "" {
		return "", fmt.Errorf("chanrpc: origin must not be empty")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("chanrpc: unparseable origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("chanrpc: origin %q must include a scheme and host", origin)
	}
	return u.Scheme + "://" + u.Host, nil
}

// originMatches implements the §4.7 filter: the wildcard accepts any
// sender; otherwise the canonicalized configured origin must equal the
// canonicalized sender identity, compared without regard to letter case.
func originMatches(configured, sender string) bool {
	if configured == "*" {
		return true
	}
	canon, err := canonicalizeOrigin(sender)
	if err != nil {
		return false
	}
	return strings.EqualFold(canon, configured)
}

package proxy

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/netsip/dispatch/transport"
)

// marker is appended to the plaintext before encoding and checked for after
// decoding; its absence after the XOR pass means the token wasn't one of
// ours.
const marker = "MARKER"

// ContactRewriter turns a "user@host" pair into an opaque per-leg-set token
// and back. The default implementation is a reversible XOR cipher; any
// bijective transform may be substituted.
type ContactRewriter interface {
	Rewrite(userHost string) string
	Recover(token string) (userHost string, ok bool)
}

// xorRewriter is the default Contact rewriter: XOR the
// plaintext ("user@host"+marker) with a key derived from the MD5 of every
// leg's "proto:addr:port" concatenated in sorted order, hex-encode the
// result. Recover is the exact inverse.
type xorRewriter struct {
	key []byte
}

// NewContactRewriter derives the cipher key from the current leg set. Call
// again (or keep the Forwarder's key current) whenever legs change —
// legs added after construction won't be reflected in already-issued tokens,
// which then fail to decode; that's a feature, not a bug, since a token
// should only resolve against the leg topology it was minted under.
func NewContactRewriter(legs []transport.Leg) ContactRewriter {
	ids := make([]string, 0, len(legs))
	for _, l := range legs {
		ids = append(ids, string(l.Proto())+":"+l.Addr()+":"+itoa(l.Port()))
	}
	sort.Strings(ids)
	sum := md5.Sum([]byte(strings.Join(ids, "")))
	return &xorRewriter{key: sum[:]}
}

func (x *xorRewriter) Rewrite(userHost string) string {
	plain := []byte(userHost + marker)
	out := xorWithKey(plain, x.key)
	return hex.EncodeToString(out)
}

func (x *xorRewriter) Recover(token string) (string, bool) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", false
	}
	plain := xorWithKey(raw, x.key)
	if !strings.HasSuffix(string(plain), marker) {
		return "", false
	}
	return string(plain[:len(plain)-len(marker)]), true
}

func xorWithKey(data, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

func itoa(port uint16) string {
	if port == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for port > 0 {
		i--
		digits[i] = byte('0' + port%10)
		port /= 10
	}
	return string(digits[i:])
}

// isHexToken reports whether s looks like a previously rewritten local part
// (hex digits only, non-empty) — the heuristic for deciding whether a
// Contact's user part is a token to decode or plaintext to encode.
func isHexToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

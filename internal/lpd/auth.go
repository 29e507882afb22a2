package lpd

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

var ErrAuthFailed = errors.New("authentication failed")

// Authenticator signs and verifies the payload of an authenticated transfer.
type Authenticator interface {
	// Sign wraps block so that Verify on the peer accepts it for user.
	Sign(user string, block []byte) ([]byte, error)
	// Verify checks payload and returns the authenticated identity and the block it carried.
	Verify(user string, payload []byte) (identity string, block []byte, err error)
}

// HMACAuth authenticates with per-user shared secrets. The payload is the
// hex HMAC-SHA256 of the block on its own line, followed by the block.
type HMACAuth struct {
	Secrets map[string]string
}

const MethodHMAC = "hmac"

func (a HMACAuth) Sign(user string, block []byte) ([]byte, error) {
	secret, ok := a.Secrets[user]
	if !ok {
		return nil, errors.Wrapf(ErrAuthFailed, "no secret for %q", user)
	}
	sig := hex.EncodeToString(a.mac(secret, block))
	out := make([]byte, 0, len(sig)+1+len(block))
	out = append(out, sig...)
	out = append(out, '\n')
	return append(out, block...), nil
}

func (a HMACAuth) Verify(user string, payload []byte) (string, []byte, error) {
	secret, ok := a.Secrets[user]
	if !ok {
		return "", nil, errors.Wrapf(ErrAuthFailed, "unknown user %q", user)
	}
	i := bytes.IndexByte(payload, '\n')
	if i < 0 {
		return "", nil, errors.Wrap(ErrAuthFailed, "missing signature line")
	}
	sig, err := hex.DecodeString(string(bytes.TrimSpace(payload[:i])))
	if err != nil {
		return "", nil, errors.Wrap(ErrAuthFailed, "bad signature encoding")
	}
	block := payload[i+1:]
	if !hmac.Equal(sig, a.mac(secret, block)) {
		return "", nil, errors.Wrapf(ErrAuthFailed, "bad signature for %q", user)
	}
	return user, block, nil
}

func (a HMACAuth) mac(secret string, block []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(block)
	return h.Sum(nil)
}

// Op is the operation a permission check is made for.
type Op byte

const (
	OpSpool   Op = 'R'
	OpStatus  Op = 'Q'
	OpRemove  Op = 'M'
	OpControl Op = 'C'
)

// Check describes the requester of an operation.
type Check struct {
	Op         Op
	Printer    string
	User       string
	Host       string
	RemoteHost string
	AuthUser   string
}

// PermissionFunc returns nil to allow the request.
type PermissionFunc func(Check) error

// AllowAll is the permission check used when none is configured.
func AllowAll(Check) error { return nil }

package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrCredentialExpired indicates the username's expiry prefix is in the past
	ErrCredentialExpired = errors.New("credential expired")

	// ErrMalformedUsername indicates the username is not "<expiry>:<id>"
	ErrMalformedUsername = errors.New("malformed credential username")
)

// Credential is a time-bounded TURN login derived from the shared secret.
// Immutable once issued; the relay validates it by recomputing the HMAC.
type Credential struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TTL        int64  `json:"ttl"`
	TurnServer string `json:"turn_server"`
	TurnPort   int    `json:"turn_port"`
	StunServer string `json:"stun_server"`
	StunPort   int    `json:"stun_port"`
}

// Issuer computes credentials the embedded relay will accept. It is pure
// configuration: no state, no locking, safe for concurrent use.
type Issuer struct {
	Secret     string
	TTL        time.Duration
	TurnServer string
	TurnPort   int
	StunServer string
	StunPort   int
}

// Issue returns a credential for the requester valid from now through the
// embedded expiry. Expiry is computed from the current minute bucket, so a
// double-fetch within one minute yields an identical credential.
func (i *Issuer) Issue(requesterID string) Credential {
	return i.issueAt(requesterID, time.Now())
}

func (i *Issuer) issueAt(requesterID string, now time.Time) Credential {
	expiry := now.Truncate(time.Minute).Add(i.TTL).Unix()
	username := fmt.Sprintf("%d:%s", expiry, requesterID)
	return Credential{
		Username:   username,
		Password:   derivePassword(i.Secret, username),
		TTL:        int64(i.TTL / time.Second),
		TurnServer: i.TurnServer,
		TurnPort:   i.TurnPort,
		StunServer: i.StunServer,
		StunPort:   i.StunPort,
	}
}

// Verify recomputes the password for a presented username and checks the
// expiry prefix. Used by the relay's auth path.
func (i *Issuer) Verify(username string, now time.Time) (string, error) {
	expiry, _, err := splitUsername(username)
	if err != nil {
		return "", err
	}
	// Valid through the expiry second, inclusive.
	if now.Unix() > expiry {
		return "", ErrCredentialExpired
	}
	return derivePassword(i.Secret, username), nil
}

func derivePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func splitUsername(username string) (expiry int64, requesterID string, err error) {
	prefix, rest, ok := strings.Cut(username, ":")
	if !ok {
		return 0, "", ErrMalformedUsername
	}
	expiry, err = strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, "", ErrMalformedUsername
	}
	return expiry, rest, nil
}

package flash

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/jmcleod/agencyportal/internal/util"
)

const keyInfo = "agencyportal/flash/v1"

var errMalformed = errors.New("malformed flash cookie")

// Sealer encrypts encoded envelopes for the flash cookie. The cookie value
// is id "." base64url(AES-256-GCM(payload)); the AAD binds the id and the
// cookie name so a sealed value cannot be replayed under another id or in
// another cookie.
type Sealer struct {
	key    *memguard.Enclave
	cookie string
}

// NewSealer derives the flash key from master. master is not retained.
func NewSealer(master []byte, cookieName string) (*Sealer, error) {
	k, err := util.DeriveKey(master, nil, keyInfo)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: memguard.NewEnclave(k), cookie: cookieName}, nil
}

type sealedPayload struct {
	Envelope  string `json:"e"`
	ExpiresAt int64  `json:"x"`
}

func (s *Sealer) aad(id string) []byte {
	return []byte(s.cookie + "|" + id)
}

// Seal returns a fresh id and the cookie value carrying encoded until
// expiresAt.
func (s *Sealer) Seal(encoded string, expiresAt time.Time) (id, value string, err error) {
	id = uuid.NewString()
	plain, err := json.Marshal(sealedPayload{Envelope: encoded, ExpiresAt: expiresAt.Unix()})
	if err != nil {
		return "", "", fmt.Errorf("encoding sealed payload: %w", err)
	}
	buf, err := s.key.Open()
	if err != nil {
		return "", "", fmt.Errorf("opening flash key: %w", err)
	}
	defer buf.Destroy()
	ct, err := util.Seal(plain, buf.Bytes(), s.aad(id))
	if err != nil {
		return "", "", err
	}
	return id, id + "." + base64.RawURLEncoding.EncodeToString(ct), nil
}

// Open authenticates value and returns its id, encoded envelope and
// expiry. Any tampering or foreign value is an error.
func (s *Sealer) Open(value string) (id, encoded string, expiresAt time.Time, err error) {
	id, b64, ok := strings.Cut(value, ".")
	if !ok || id == "" || b64 == "" {
		return "", "", time.Time{}, errMalformed
	}
	if _, perr := uuid.Parse(id); perr != nil {
		return "", "", time.Time{}, errMalformed
	}
	ct, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return "", "", time.Time{}, errMalformed
	}
	buf, err := s.key.Open()
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("opening flash key: %w", err)
	}
	defer buf.Destroy()
	plain, err := util.Open(ct, buf.Bytes(), s.aad(id))
	if err != nil {
		return "", "", time.Time{}, err
	}
	defer util.WipeBytes(plain)
	var p sealedPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return "", "", time.Time{}, errMalformed
	}
	return id, p.Envelope, time.Unix(p.ExpiresAt, 0), nil
}

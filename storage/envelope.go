package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/agencyportal/internal/util"
)

const envelopeScheme = "aes256gcm"

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.Seal(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	// util.Seal returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	full := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	full = append(full, envelope.Nonce...)
	full = append(full, envelope.Ciphertext...)
	return util.Open(full, recordKey, aad)
}

// SealJSON marshals v, seals it and returns the envelope encoded as JSON,
// ready to be handed to Repository.Put.
func SealJSON(recordKey []byte, v any, aad []byte) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling record: %w", err)
	}
	defer util.WipeBytes(plain)
	env, err := SealRecord(recordKey, plain, aad)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// OpenJSON reverses SealJSON into v.
func OpenJSON(recordKey, data, aad []byte, v any) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	plain, err := OpenRecord(recordKey, &env, aad)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	return json.Unmarshal(plain, v)
}

// Package flash delivers a freshly issued creator passkey from the action
// that minted it to the next admin page load, exactly once, without the
// secret ever appearing in a URL.
package flash

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the payload carried across the redirect.
type Envelope struct {
	CreatorID   string `json:"creator_id"`
	CreatorName string `json:"creator_name"`
	Passkey     string `json:"passkey"`
}

// ErrIncompleteEnvelope is returned by Channel.Write for an envelope
// Decode would reject.
var ErrIncompleteEnvelope = errors.New("flash envelope needs a creator id and a passkey")

// Encode returns env as unpadded base64url JSON.
func Encode(env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding flash envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a value produced by Encode. Any malformed input (bad
// base64, bad JSON, a missing or non-string field, an empty creator id or
// passkey) reports false instead of an error.
func Decode(s string) (Envelope, bool) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		// Tolerate padded input from older writers.
		data, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return Envelope{}, false
		}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, false
	}
	var env Envelope
	for key, dst := range map[string]*string{
		"creator_id":   &env.CreatorID,
		"creator_name": &env.CreatorName,
		"passkey":      &env.Passkey,
	} {
		v, ok := raw[key]
		if !ok || json.Unmarshal(v, dst) != nil {
			return Envelope{}, false
		}
		if len(v) > 0 && v[0] != '"' {
			// json.Unmarshal accepts null into a string.
			return Envelope{}, false
		}
	}
	if env.CreatorID == "" || env.Passkey == "" {
		return Envelope{}, false
	}
	return env, true
}

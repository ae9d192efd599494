package bus

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"golang.org/x/crypto/blake2b"

	"github.com/dd0wney/cluso-arbiter/pkg/message"
)

const envelopeVersion = 1

var (
	ErrBadAuth            = errors.New("message authentication failed")
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

// envelope is the frame written to the wire. D holds the JSON encoded
// message, snappy compressed when C is set.
type envelope struct {
	V   int    `json:"v"`
	C   bool   `json:"c,omitempty"`
	D   []byte `json:"d"`
	MAC []byte `json:"mac,omitempty"`
}

// Codec frames messages for the wire.
type Codec struct {
	key       []byte
	threshold int
}

// NewCodec creates a codec. With a key, every frame carries a keyed
// BLAKE2b-256 MAC and frames without a valid one are rejected. Payloads
// larger than threshold bytes are compressed; threshold <= 0 disables
// compression.
func NewCodec(key []byte, threshold int) (*Codec, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("auth key longer than %d bytes", blake2b.Size)
	}
	return &Codec{key: key, threshold: threshold}, nil
}

// Encode marshals m into a frame.
func (c *Codec) Encode(m *message.Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	env := envelope{V: envelopeVersion, D: data}
	if c.threshold > 0 && len(data) > c.threshold {
		env.C = true
		env.D = snappy.Encode(nil, data)
	}
	if len(c.key) > 0 {
		env.MAC = c.mac(env)
	}
	return json.Marshal(env)
}

// Decode verifies and unmarshals a frame.
func (c *Codec) Decode(frame []byte) (*message.Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
	}
	if len(c.key) > 0 {
		if subtle.ConstantTimeCompare(env.MAC, c.mac(env)) != 1 {
			return nil, ErrBadAuth
		}
	}

	data := env.D
	if env.C {
		var err error
		data, err = snappy.Decode(nil, env.D)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
	}

	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &m, nil
}

func (c *Codec) mac(env envelope) []byte {
	// New256 only fails for keys over 64 bytes, rejected in NewCodec.
	h, _ := blake2b.New256(c.key)
	flag := byte(0)
	if env.C {
		flag = 1
	}
	h.Write([]byte{byte(env.V), flag})
	h.Write(env.D)
	return h.Sum(nil)
}

package protocol

import (
	"encoding/base64"
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec defaults
const (
	DefaultCompressionThreshold = 4 * 1024
	DefaultMaxMessageSize       = 8 * 1024 * 1024
)

// Codec turns envelopes into bytes and back. Payloads above the compression
// threshold are zstd-compressed. A Codec is safe for concurrent use.
type Codec struct {
	threshold int
	maxSize   int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithCompressionThreshold sets the payload size above which payloads are
// compressed. Zero or less disables compression.
func WithCompressionThreshold(n int) CodecOption {
	return func(c *Codec) {
		c.threshold = n
	}
}

// WithMaxMessageSize bounds encoded messages and decompressed payloads.
func WithMaxMessageSize(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// NewCodec creates a codec
func NewCodec(opts ...CodecOption) (*Codec, error) {
	c := &Codec{
		threshold: DefaultCompressionThreshold,
		maxSize:   DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(c.maxSize)))
	if err != nil {
		encoder.Close()
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	c.encoder = encoder
	c.decoder = decoder
	return c, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Encode serializes env, compressing its payload when it is large.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	out := *env
	if c.threshold > 0 && out.Encoding == "" && len(out.Payload) > c.threshold {
		compressed := c.encoder.EncodeAll(out.Payload, nil)
		raw, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
		if err != nil {
			return nil, errors.Wrap(err, "encode compressed payload")
		}
		out.Payload = raw
		out.Encoding = EncodingZstd
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, errors.Wrapf(err, "encode envelope %s", env.ID)
	}
	if len(data) > c.maxSize {
		return nil, errors.Errorf("envelope %s is %d bytes, limit %d", env.ID, len(data), c.maxSize)
	}
	return data, nil
}

// Decode parses and validates an envelope and inflates its payload. Errors
// wrap ErrMalformed.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	if len(data) > c.maxSize {
		return nil, errors.Wrapf(ErrMalformed, "message is %d bytes, limit %d", len(data), c.maxSize)
	}
	if err := validate(envelopeSchema, data); err != nil {
		return nil, errors.Wrap(err, "envelope")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "envelope: %v", err)
	}
	if env.Encoding == EncodingZstd {
		payload, err := c.inflate(env.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "payload of %s", env.ID)
		}
		env.Payload = payload
		env.Encoding = ""
	}
	return &env, nil
}

func (c *Codec) inflate(raw json.RawMessage) (json.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "compressed payload is not a string: %v", err)
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "compressed payload: %v", err)
	}
	payload, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decompress: %v", err)
	}
	if len(payload) > c.maxSize {
		return nil, errors.Wrapf(ErrMalformed, "payload inflates to %d bytes, limit %d", len(payload), c.maxSize)
	}
	if !json.Valid(payload) {
		return nil, errors.Wrap(ErrMalformed, "decompressed payload is not json")
	}
	return payload, nil
}

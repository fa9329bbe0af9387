// Package codec turns plaintext event payloads into the opaque blobs the
// queue store persists, and back.
package codec

import "fmt"

// EncodingIdentity tags payloads stored as-is.
const EncodingIdentity = "plain"

// PayloadCodec encodes event payloads for storage. An encrypting codec is
// plugged in from outside the core; the store only sees blob + tag.
//
// Decode must fail loudly on an encoding tag it does not recognize rather
// than silently returning corrupt bytes.
type PayloadCodec interface {
	Encode(plaintext []byte, encrypt bool) (blob []byte, encoding string, err error)
	Decode(blob []byte, encoding string) ([]byte, error)
}

// UnknownEncodingError reports a payload whose encoding tag has no
// registered codec. Such payloads cannot be delivered safely.
type UnknownEncodingError struct {
	Encoding string
}

func (e *UnknownEncodingError) Error() string {
	return fmt.Sprintf("unknown payload encoding %q", e.Encoding)
}

// Identity is the non-encrypting codec: payloads are stored verbatim under
// the "plain" tag. Encryption requests are refused so a misconfigured
// deployment fails at enqueue instead of silently storing plaintext that
// the caller believed was encrypted.
type Identity struct{}

// Encode returns the plaintext unchanged.
func (Identity) Encode(plaintext []byte, encrypt bool) ([]byte, string, error) {
	if encrypt {
		return nil, "", fmt.Errorf("identity codec cannot encrypt payloads")
	}
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, EncodingIdentity, nil
}

// Decode returns the blob unchanged for identity-encoded payloads.
func (Identity) Decode(blob []byte, encoding string) ([]byte, error) {
	if encoding != EncodingIdentity {
		return nil, &UnknownEncodingError{Encoding: encoding}
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

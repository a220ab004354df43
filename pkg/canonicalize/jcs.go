// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization so that every payload hashed by the ledger has exactly one
// byte representation.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags are honoured, then
// object keys and string values are normalised to Unicode NFC, and finally
// the document is transformed by the JCS reference rules (sorted keys, no
// HTML escaping, ECMAScript number formatting).
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	generic, err := decodeGeneric(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	normalized, err := normalize(generic)
	if err != nil {
		return nil, fmt.Errorf("jcs: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// Hash canonicalizes v and returns its digest together with the canonical
// bytes that were hashed.
func Hash(h crypto.Hasher, v any) (crypto.Digest, []byte, error) {
	b, err := JCS(v)
	if err != nil {
		return crypto.Digest{}, nil, err
	}
	return h.Sum(b), b, nil
}

// Decode unmarshals canonical JSON into v, keeping numbers as json.Number so
// that a decode/encode round trip is lossless.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeGeneric(data []byte) (any, error) {
	var generic any
	if err := Decode(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("keys collide after NFC normalization: %q", nk)
			}
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

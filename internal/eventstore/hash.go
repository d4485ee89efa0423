package eventstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// GenesisHash is the prev_hash of the first event in every stream.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Canonical serializes v as JSON with sorted keys, NFC-normalized strings,
// exact number literals and no HTML escaping. Equal values always produce
// equal bytes.
func Canonical(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(generic)); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize applies NFC to every string, keys included. encoding/json
// already sorts map keys.
func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		for i := range val {
			val[i] = normalize(val[i])
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return val
	}
}

// hashBody is the part of an event covered by its hash.
func hashBody(e Event) map[string]any {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return map[string]any{
		"event_id":  e.ID,
		"stream_id": e.StreamID,
		"type":      e.Type,
		"data":      data,
		"metadata":  meta,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ComputeHash returns H(prev_hash || 0x00 || canonical(body) || 0x00 || sequence).
func ComputeHash(e Event) (string, error) {
	body, err := Canonical(hashBody(e))
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte{0x00})
	h.Write(body)
	h.Write([]byte{0x00})
	h.Write([]byte(strconv.FormatUint(e.Sequence, 10)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Chain checks events of one stream in order.
type Chain struct {
	stream string
	prev   string
	seq    uint64
}

// NewChain starts verification at the genesis of stream.
func NewChain(stream string) *Chain {
	return &Chain{stream: stream, prev: GenesisHash}
}

// Next verifies e as the successor of the previously accepted event.
func (c *Chain) Next(e Event) error {
	want := c.seq + 1
	if e.Sequence != want {
		return invalid(c.stream, want, fmt.Sprintf("sequence gap: expected %d, got %d", want, e.Sequence))
	}
	if e.StreamID != c.stream {
		return invalid(c.stream, e.Sequence, fmt.Sprintf("event belongs to stream %q", e.StreamID))
	}
	if e.PrevHash != c.prev {
		return invalid(c.stream, e.Sequence, "prev_hash does not match preceding event")
	}
	got, err := ComputeHash(e)
	if err != nil {
		return invalid(c.stream, e.Sequence, err.Error())
	}
	if got != e.Hash {
		return invalid(c.stream, e.Sequence, "hash mismatch")
	}
	c.prev = e.Hash
	c.seq = e.Sequence
	return nil
}

// Tail returns the last accepted sequence and hash.
func (c *Chain) Tail() (uint64, string) { return c.seq, c.prev }

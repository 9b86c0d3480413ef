package eventlog

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/P0W3R97/dnd-tabletop/internal/game/event"
)

// ErrIntegrity is returned when a stored event does not match its hash or
// does not link to its predecessor.
var ErrIntegrity = errors.New("event log integrity violation")

// EventHash computes the blake2b-256 hash of evt linked to prevHash. The
// timestamp is excluded; payload JSON is canonicalized first so storage
// engines that normalize JSON do not break the chain.
func EventHash(roomID, prevHash string, evt event.Event) (string, error) {
	payload, err := canonicalJSON(evt.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload of seq %d: %w", evt.Seq, err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	writeField(h, []byte(prevHash))
	writeField(h, []byte(roomID))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], evt.Seq)
	writeField(h, seq[:])
	writeField(h, []byte(evt.EventID))
	writeField(h, []byte(evt.ClientID))
	writeField(h, []byte(evt.Kind))
	writeField(h, payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Chain tracks the tail hash of one room's log.
//
// Chain is not safe for concurrent use; the room's serialized path owns it.
type Chain struct {
	roomID string
	last   string
}

// NewChain returns a Chain for roomID whose tail is lastHash ("" for an
// empty log).
func NewChain(roomID, lastHash string) *Chain {
	return &Chain{roomID: roomID, last: lastHash}
}

// Last returns the current tail hash.
func (c *Chain) Last() string {
	return c.last
}

// Seal returns evt with PrevHash and Hash set. The chain does not advance
// until Commit is called, so a failed append leaves it untouched.
func (c *Chain) Seal(evt event.Event) (event.Event, error) {
	sum, err := EventHash(c.roomID, c.last, evt)
	if err != nil {
		return event.Event{}, err
	}
	evt.PrevHash = c.last
	evt.Hash = sum
	return evt, nil
}

// Commit advances the tail to a sealed, appended event.
func (c *Chain) Commit(evt event.Event) {
	c.last = evt.Hash
}

// Verify checks that evt links to the current tail and matches its own hash,
// then advances the tail.
func (c *Chain) Verify(evt event.Event) error {
	if evt.PrevHash != c.last {
		return fmt.Errorf("room %q seq %d: prev_hash does not match tail: %w", c.roomID, evt.Seq, ErrIntegrity)
	}
	sum, err := EventHash(c.roomID, c.last, evt)
	if err != nil {
		return err
	}
	if sum != evt.Hash {
		return fmt.Errorf("room %q seq %d: hash mismatch: %w", c.roomID, evt.Seq, ErrIntegrity)
	}
	c.last = evt.Hash
	return nil
}

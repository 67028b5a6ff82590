package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/tree-sync-engine/internal/change"
)

// DocumentID identifies a collaboratively edited tree.
type DocumentID string

// ClientID identifies a participant.
type ClientID string

// EditID is a globally unique identifier for a submitted edit.
type EditID string

// NewEditID returns a fresh, time-ordered edit id.
func NewEditID() EditID {
	return EditID(ulid.Make().String())
}

// NewClientID returns a fresh client id.
func NewClientID() ClientID {
	return ClientID(ulid.Make().String())
}

// Edit is a local change submitted for sequencing. RefSeq is the last
// sequence number the author had applied when the change was authored.
type Edit struct {
	ID       EditID
	Document DocumentID
	Client   ClientID
	RefSeq   uint64
	Change   change.Changeset
}

// SequencedEdit is an edit with its position in the total order.
type SequencedEdit struct {
	Seq       uint64
	Edit      Edit
	CreatedAt time.Time
}

// EditRecord stores a durable, encoded representation of a sequenced edit.
type EditRecord struct {
	Seq       uint64     `json:"seq"`
	Edit      EditID     `json:"edit_id"`
	Document  DocumentID `json:"document_id"`
	Client    ClientID   `json:"client_id"`
	RefSeq    uint64     `json:"ref_seq"`
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type recordJSON struct {
	Seq       uint64     `json:"seq"`
	Edit      EditID     `json:"edit_id"`
	Document  DocumentID `json:"document_id"`
	Client    ClientID   `json:"client_id"`
	RefSeq    uint64     `json:"ref_seq"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// MarshalBinary serializes an EditRecord to JSON for byte-oriented stores.
func (r EditRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(recordJSON{
		Seq:       r.Seq,
		Edit:      r.Edit,
		Document:  r.Document,
		Client:    r.Client,
		RefSeq:    r.RefSeq,
		Payload:   string(r.Payload),
		CreatedAt: r.CreatedAt,
	})
}

// UnmarshalBinary deserializes an EditRecord from its JSON representation.
func (r *EditRecord) UnmarshalBinary(data []byte) error {
	var payload recordJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode edit record: %w", err)
	}
	r.Seq = payload.Seq
	r.Edit = payload.Edit
	r.Document = payload.Document
	r.Client = payload.Client
	r.RefSeq = payload.RefSeq
	r.Payload = []byte(payload.Payload)
	r.CreatedAt = payload.CreatedAt
	return nil
}

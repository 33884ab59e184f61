package dedup

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"dupscan/internal/errors"
)

// Cursor is the entire resumable state of a run: where the next page starts,
// where the next emitted record lands in the output, and the live tables.
//
// The JSON layout is the checkpoint format; additive changes only.
type Cursor struct {
	RunID        string    `json:"runId"`
	Offset       int       `json:"offset"`
	OutputOffset int       `json:"outputOffset"`
	State        Tables    `json:"duplicatesState"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// Settings are the detection settings State was built with. Nil in
	// checkpoints written before settings were recorded.
	Settings *Settings `json:"settings,omitempty"`
}

// Settings are the detector settings that shape table state. A run may
// only resume tables built with equal settings.
type Settings struct {
	Fields          []string `json:"fields"`
	MinDuplications int      `json:"minDuplications"`
	ShowIndexes     bool     `json:"showIndexes"`
	ShowItems       bool     `json:"showItems"`
	ShowMissing     bool     `json:"showMissing"`
}

// Mismatch names the first setting that differs between s and o, or
// returns "" when they are equal.
func (s Settings) Mismatch(o Settings) string {
	switch {
	case !slices.Equal(s.Fields, o.Fields):
		return fmt.Sprintf("fields %v, now %v", s.Fields, o.Fields)
	case s.MinDuplications != o.MinDuplications:
		return fmt.Sprintf("min_duplications %d, now %d", s.MinDuplications, o.MinDuplications)
	case s.ShowIndexes != o.ShowIndexes:
		return fmt.Sprintf("show_indexes %t, now %t", s.ShowIndexes, o.ShowIndexes)
	case s.ShowItems != o.ShowItems:
		return fmt.Sprintf("show_items %t, now %t", s.ShowItems, o.ShowItems)
	case s.ShowMissing != o.ShowMissing:
		return fmt.Sprintf("show_missing %t, now %t", s.ShowMissing, o.ShowMissing)
	}
	return ""
}

// NewCursor starts a fresh run at input offset with empty tables.
func NewCursor(offset int) *Cursor {
	if offset < 0 {
		offset = 0
	}
	return &Cursor{
		RunID:  uuid.NewString(),
		Offset: offset,
		State:  make(Tables),
	}
}

// Advanced returns the cursor position after a page of scanned input
// records that produced emitted output records. Tables are shared, not
// copied: the returned cursor is what gets checkpointed, and the receiver
// adopts it only once the checkpoint is stored.
func (c *Cursor) Advanced(scanned, emitted int, now time.Time) *Cursor {
	return &Cursor{
		RunID:        c.RunID,
		Offset:       c.Offset + scanned,
		OutputOffset: c.OutputOffset + emitted,
		State:        c.State,
		UpdatedAt:    now.UTC(),
		Settings:     c.Settings,
	}
}

// EncodeCursor serializes c for a checkpoint store.
func EncodeCursor(c *Cursor) ([]byte, error) {
	if c == nil {
		return nil, errors.New("encode cursor: nil cursor")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode cursor")
	}
	return b, nil
}

// DecodeCursor restores a cursor written by EncodeCursor. Numbers inside
// buffered records decode as json.Number so GroupKeys of replayed records
// match those of freshly parsed ones.
func DecodeCursor(b []byte) (*Cursor, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var c Cursor
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decode cursor")
	}
	if c.Offset < 0 || c.OutputOffset < 0 {
		return nil, errors.Newf("decode cursor: negative offsets (offset=%d outputOffset=%d)", c.Offset, c.OutputOffset)
	}
	if c.State == nil {
		c.State = make(Tables)
	}
	for field, t := range c.State {
		if t == nil {
			c.State[field] = make(Table)
		}
	}
	return &c, nil
}

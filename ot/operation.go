package ot

import "fmt"

type Type string

const (
	Insert Type = "insert"
	Delete Type = "delete"
)

// Operation is a single plain-text edit authored against a known document
// version. Position/End are rune offsets; End is exclusive and only
// meaningful for deletes. Seq is assigned by the server once the operation
// is accepted and never changes afterwards.
type Operation struct {
	ID          string `json:"id,omitempty" mapstructure:"id"`
	Type        Type   `json:"type" mapstructure:"type"`
	Position    int    `json:"position" mapstructure:"position"`
	End         int    `json:"end,omitempty" mapstructure:"end"`
	Text        string `json:"text,omitempty" mapstructure:"text"`
	Author      string `json:"author,omitempty" mapstructure:"author"`
	BaseVersion int64  `json:"based_on_version" mapstructure:"based_on_version"`
	Seq         int64  `json:"sequence_number,omitempty" mapstructure:"sequence_number"`
}

// InsertLen is the length of the inserted text in runes.
func (o Operation) InsertLen() int {
	return len([]rune(o.Text))
}

// DeleteLen is the length of the deleted range in runes.
func (o Operation) DeleteLen() int {
	return o.End - o.Position
}

// IsNoop reports whether the operation changes nothing. Deletes can collapse
// to a no-op after transformation against an overlapping delete; a no-op is
// still acknowledged to its sender but never applied or broadcast.
func (o Operation) IsNoop() bool {
	switch o.Type {
	case Insert:
		return o.Text == ""
	case Delete:
		return o.End <= o.Position
	}
	return true
}

// Validate checks the operation's own shape. Bounds against actual document
// content are checked at apply time.
func (o Operation) Validate() error {
	switch o.Type {
	case Insert:
		if o.Position < 0 {
			return fmt.Errorf("insert at negative position %d", o.Position)
		}
	case Delete:
		if o.Position < 0 || o.End < o.Position {
			return fmt.Errorf("invalid delete range [%d,%d)", o.Position, o.End)
		}
	default:
		return fmt.Errorf("unknown operation type %q", o.Type)
	}
	return nil
}

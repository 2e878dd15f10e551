package ot

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds means the operation's coordinates do not fit the document
// it was applied to. The session layer turns this into a stale-base
// rejection rather than risking divergence.
var ErrOutOfBounds = errors.New("operation out of bounds")

// Apply returns the document content after op. Offsets are rune offsets so
// multi-byte text can never be split mid-character.
func Apply(content string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return content, err
	}
	if op.IsNoop() {
		return content, nil
	}

	runes := []rune(content)

	switch op.Type {
	case Insert:
		if op.Position > len(runes) {
			return content, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)+op.InsertLen())
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil

	case Delete:
		if op.End > len(runes) {
			return content, fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfBounds, op.Position, op.End, len(runes))
		}
		out := make([]rune, 0, len(runes)-op.DeleteLen())
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[op.End:]...)
		return string(out), nil
	}

	return content, fmt.Errorf("unknown operation type %q", op.Type)
}

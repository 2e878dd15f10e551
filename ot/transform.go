package ot

// Transform rewrites op, authored against an older document version, so that
// it can be applied after every operation in applied. The applied slice must
// be in server sequence order; composition is left to right and order
// matters.
func Transform(op Operation, applied []Operation) Operation {
	for _, prior := range applied {
		op = transformAgainst(op, prior)
	}
	return op
}

// transformAgainst adjusts op so that applying it after prior has the effect
// op's author intended before prior existed.
func transformAgainst(op, prior Operation) Operation {
	if prior.IsNoop() || op.IsNoop() {
		return op
	}

	switch {
	case op.Type == Insert && prior.Type == Insert:
		return insertOverInsert(op, prior)
	case op.Type == Insert && prior.Type == Delete:
		return insertOverDelete(op, prior)
	case op.Type == Delete && prior.Type == Insert:
		return deleteOverInsert(op, prior)
	default:
		return deleteOverDelete(op, prior)
	}
}

// insertOverInsert shifts op right when prior inserted at or before its
// position. Equal positions tie-break on participant id: the lower id is
// treated as having inserted first.
func insertOverInsert(op, prior Operation) Operation {
	if op.Position > prior.Position {
		op.Position += prior.InsertLen()
	} else if op.Position == prior.Position && !(op.Author < prior.Author) {
		op.Position += prior.InsertLen()
	}
	return op
}

// insertOverDelete clamps an insertion that landed inside the deleted range
// to the deletion boundary, and shifts left an insertion after it.
func insertOverDelete(op, prior Operation) Operation {
	switch {
	case op.Position >= prior.End:
		op.Position -= prior.DeleteLen()
	case op.Position > prior.Position:
		op.Position = prior.Position
	}
	return op
}

// deleteOverInsert extends the delete when prior inserted inside its range,
// and shifts the whole range when prior inserted before it.
func deleteOverInsert(op, prior Operation) Operation {
	n := prior.InsertLen()
	switch {
	case prior.Position <= op.Position:
		op.Position += n
		op.End += n
	case prior.Position < op.End:
		op.End += n
	}
	return op
}

// deleteOverDelete subtracts the portion of op's range prior already
// removed. A fully-covered delete collapses to a no-op with End == Position.
func deleteOverDelete(op, prior Operation) Operation {
	switch {
	case op.End <= prior.Position:
		// Entirely before prior, untouched.
		return op
	case op.Position >= prior.End:
		op.Position -= prior.DeleteLen()
		op.End -= prior.DeleteLen()
		return op
	}

	overlap := min(op.End, prior.End) - max(op.Position, prior.Position)
	length := op.DeleteLen() - overlap
	if op.Position > prior.Position {
		op.Position = prior.Position
	}
	op.End = op.Position + length
	return op
}

package ot

// Transform rewrites local so that it can be applied after remote has already
// been applied, preserving local's intent. It is total: every combination of
// well-formed operations produces a defined result, including degenerate
// zero-length ones. The returned operation is a new value; neither argument
// is mutated.
func Transform(local, remote Operation) Operation {
	if local.FileID != remote.FileID {
		return local
	}
	// Remote is already accounted for in local's base version.
	if remote.Version < local.Version {
		return local
	}

	out := local
	switch l := local.Edit.(type) {
	case Insert:
		switch r := remote.Edit.(type) {
		case Insert:
			out.Edit = insertInsert(l, r, precedes(remote, local))
		case Delete:
			out.Edit = insertDelete(l, r)
		case Replace:
			out.Edit = insertReplace(l, r)
		}
	case Delete:
		switch r := remote.Edit.(type) {
		case Insert:
			out.Edit = deleteInsert(l, r)
		case Delete:
			out.Edit = deleteDelete(l, r)
		case Replace:
			out.Edit = deleteReplace(l, r)
		}
	case Replace:
		switch r := remote.Edit.(type) {
		case Insert:
			out.Edit = replaceInsert(l, r)
		case Delete:
			out.Edit = replaceDelete(l, r)
		case Replace:
			out.Edit = replaceReplace(l, r, precedes(remote, local))
		}
	}
	return out
}

// TransformAll transforms every operation in ops against a single remote
// operation, returning a new slice. Used by the client agent on its pending
// queue.
func TransformAll(ops []Operation, remote Operation) []Operation {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		out[i] = Transform(op, remote)
	}
	return out
}

// precedes reports whether a wins a positional tie against b. An operation
// the ledger has accepted carries a per-file sequence number and always beats
// an unacknowledged one; between two accepted operations the lower sequence
// wins. Author timestamps are only consulted when neither side has been
// sequenced, so convergence never depends on client clocks once the relay
// has stamped an operation.
func precedes(a, b Operation) bool {
	if a.Seq != 0 || b.Seq != 0 {
		if a.Seq == 0 {
			return false
		}
		if b.Seq == 0 {
			return true
		}
		return a.Seq < b.Seq
	}
	return a.Time.Before(b.Time)
}

func insertInsert(l Insert, r Insert, remoteWinsTie bool) Edit {
	if r.Pos < l.Pos || (r.Pos == l.Pos && remoteWinsTie) {
		l.Pos += len(r.Text)
	}
	return l
}

func insertDelete(l Insert, r Delete) Edit {
	rEnd := r.Pos + r.Len
	switch {
	case rEnd <= l.Pos:
		l.Pos -= r.Len
	case r.Pos < l.Pos && l.Pos < rEnd:
		// Anchor was deleted; clamp to the start of the removed range.
		l.Pos = r.Pos
	}
	return l
}

func deleteInsert(l Delete, r Insert) Edit {
	switch {
	case r.Pos <= l.Pos:
		l.Pos += len(r.Text)
	case r.Pos < l.Pos+l.Len:
		// Text inserted inside the doomed span joins it.
		l.Len += len(r.Text)
	}
	return l
}

func deleteDelete(l Delete, r Delete) Edit {
	lEnd := l.Pos + l.Len
	rEnd := r.Pos + r.Len
	switch {
	case rEnd <= l.Pos:
		l.Pos -= r.Len
	case r.Pos >= lEnd:
		// Entirely after, nothing to do.
	case r.Pos <= l.Pos && rEnd >= lEnd:
		// Remote swallowed local whole.
		l.Pos = r.Pos
		l.Len = 0
	case r.Pos <= l.Pos && rEnd < lEnd:
		l.Pos = r.Pos
		l.Len = lEnd - rEnd
	case r.Pos > l.Pos && rEnd >= lEnd:
		l.Len = r.Pos - l.Pos
	default:
		// Remote strictly inside local.
		l.Len -= r.Len
	}
	return l
}

// A replace is positionally a delete of Len at Pos, so against inserts and
// deletes it moves exactly like one.
func replaceInsert(l Replace, r Insert) Edit {
	d := deleteInsert(Delete{Pos: l.Pos, Len: l.Len}, r).(Delete)
	l.Pos, l.Len = d.Pos, d.Len
	return l
}

func replaceDelete(l Replace, r Delete) Edit {
	d := deleteDelete(Delete{Pos: l.Pos, Len: l.Len}, r).(Delete)
	l.Pos, l.Len = d.Pos, d.Len
	return l
}

func insertReplace(l Insert, r Replace) Edit {
	rEnd := r.Pos + r.Len
	switch {
	case rEnd <= l.Pos:
		l.Pos += len(r.Text) - r.Len
	case r.Pos < l.Pos && l.Pos <= rEnd:
		// Anchor was replaced; land just after the new text.
		l.Pos = r.Pos + len(r.Text)
	}
	return l
}

func deleteReplace(l Delete, r Replace) Edit {
	lEnd := l.Pos + l.Len
	rEnd := r.Pos + r.Len
	switch {
	case rEnd <= l.Pos:
		l.Pos += len(r.Text) - r.Len
		return l
	case r.Pos >= lEnd:
		return l
	}
	// Overlap: unroll the replace into delete-then-insert.
	d := deleteDelete(l, Delete{Pos: r.Pos, Len: r.Len}).(Delete)
	return deleteInsert(d, Insert{Pos: r.Pos, Text: r.Text})
}

func replaceReplace(l Replace, r Replace, remoteWinsTie bool) Edit {
	lEnd := l.Pos + l.Len
	rEnd := r.Pos + r.Len
	switch {
	case rEnd <= l.Pos:
		l.Pos += len(r.Text) - r.Len
		return l
	case r.Pos >= lEnd:
		return l
	}
	if remoteWinsTie {
		d := replaceDelete(l, Delete{Pos: r.Pos, Len: r.Len}).(Replace)
		return replaceInsert(d, Insert{Pos: r.Pos, Text: r.Text})
	}
	// Local wins the tie and is applied as authored.
	return l
}

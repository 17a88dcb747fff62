package ot

// Conflicts reports whether two operations touch overlapping spans of the
// same file. It is a diagnostic for UI highlighting only; conflicting
// operations still transform and converge.
func Conflicts(a, b Operation) bool {
	if a.FileID != b.FileID {
		return false
	}
	aEnd := a.Pos() + a.Span()
	bEnd := b.Pos() + b.Span()
	return !(aEnd <= b.Pos() || bEnd <= a.Pos())
}

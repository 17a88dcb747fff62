package ot

import "fmt"

// Apply splices the operation into content and returns the new document.
// Offsets outside the document are a protocol violation the relay must have
// rejected upstream, so Apply panics instead of clamping; clamping would
// silently corrupt the document on one peer while others apply it cleanly.
func Apply(content string, op Operation) string {
	switch e := op.Edit.(type) {
	case Insert:
		mustRange(len(content), e.Pos, 0)
		return content[:e.Pos] + e.Text + content[e.Pos:]
	case Delete:
		mustRange(len(content), e.Pos, e.Len)
		return content[:e.Pos] + content[e.Pos+e.Len:]
	case Replace:
		mustRange(len(content), e.Pos, e.Len)
		return content[:e.Pos] + e.Text + content[e.Pos+e.Len:]
	}
	panic(fmt.Sprintf("ot: unknown edit %T", op.Edit))
}

// ApplyAll applies ops in order.
func ApplyAll(content string, ops []Operation) string {
	for _, op := range ops {
		content = Apply(content, op)
	}
	return content
}

func mustRange(docLen, pos, n int) {
	if pos < 0 || n < 0 || pos+n > docLen {
		panic(fmt.Sprintf("ot: span [%d,%d) out of range for document of %d bytes", pos, pos+n, docLen))
	}
}

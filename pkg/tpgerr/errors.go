// Package tpgerr holds the typed validation errors the construct goroutine
// and template loader can return. One struct per error kind, matching the
// teacher's pkg/errors style: no wrapping library, just Error() string.
package tpgerr

import "fmt"

// UnknownTemplateError is returned when a deposit message names a
// type_idx outside the loaded template set.
type UnknownTemplateError struct {
	TypeIdx int
	Loaded  int
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown transaction template type_idx %d (have %d templates)", e.TypeIdx, e.Loaded)
}

// FieldCountError is returned when a deposit message's reads_idx/write_idx
// arrays don't cover the template's events.
type FieldCountError struct {
	Field string
	Have  int
	Want  int
}

func (e *FieldCountError) Error() string {
	return fmt.Sprintf("field count mismatch for %q: have %d, want at least %d", e.Field, e.Have, e.Want)
}

// DuplicateWriteError is returned by template preprocessing when two
// events in the same transaction template write the same key.
type DuplicateWriteError struct {
	Key string
}

func (e *DuplicateWriteError) Error() string {
	return fmt.Sprintf("duplicate writes detected for key %q", e.Key)
}

// RowOutOfRangeError is returned when a row index exceeds max_state_records.
type RowOutOfRangeError struct {
	Row int
	Max int
}

func (e *RowOutOfRangeError) Error() string {
	return fmt.Sprintf("row index %d out of range [0,%d)", e.Row, e.Max)
}

package model

import "time"

// TimePatch is a three-way update value for a nullable timestamp column:
// keep the stored value, clear it to NULL, or set it to a new time. A plain
// *time.Time cannot distinguish "omitted" from "explicitly cleared", which
// is exactly the distinction review timestamps need on upsert.
type TimePatch struct {
	set   bool
	value *time.Time
}

// KeepTime leaves the stored value untouched.
func KeepTime() TimePatch {
	return TimePatch{}
}

// ClearTime sets the column to NULL.
func ClearTime() TimePatch {
	return TimePatch{set: true}
}

// SetTime sets the column to t.
func SetTime(t time.Time) TimePatch {
	return TimePatch{set: true, value: &t}
}

// IsSet reports whether the patch carries an explicit value (including an
// explicit NULL).
func (p TimePatch) IsSet() bool {
	return p.set
}

// Value returns the explicit value, nil meaning NULL. Only meaningful when
// IsSet is true.
func (p TimePatch) Value() *time.Time {
	return p.value
}

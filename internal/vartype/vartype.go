// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package vartype provides an optional value type that distinguishes "absent" from the zero value.
package vartype

import (
	"fmt"
)

// Variable holds a value of type T together with the information whether it has been set.
// The zero Variable is absent.
type Variable[T any] struct {
	value T
	isset bool
}

// NewVariable returns a Variable that is present and holds value.
func NewVariable[T any](value T) Variable[T] {
	return Variable[T]{
		isset: true,
		value: value,
	}
}

// Reset clears the value and marks the Variable as absent.
func (v *Variable[T]) Reset() {
	var zero T
	v.value = zero
	v.isset = false
}

// Value returns the stored value. For an absent Variable this is the zero value of T.
func (v Variable[T]) Value() T {
	return v.value
}

// Get returns the stored value and whether it is present.
func (v Variable[T]) Get() (T, bool) {
	return v.value, v.isset
}

// Set stores val and marks the Variable as present.
func (v *Variable[T]) Set(val T) {
	v.value = val
	v.isset = true
}

// IsSet reports whether the Variable holds a value.
func (v Variable[T]) IsSet() bool {
	return v.isset
}

// String returns the formatted value or "n/a" for an absent Variable.
func (v Variable[T]) String() string {
	if !v.isset {
		return "n/a"
	}
	return fmt.Sprint(v.value)
}

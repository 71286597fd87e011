// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errlist contains an ErrList type that combines multiple errors into
// a single error. It is used by best-effort code paths that must keep going
// after a step fails and report every failure at the end.
package errlist

import (
	"strings"
)

// ErrList does not implement the error interface on purpose. A nil ErrList
// converted to an error interface is not a nil error:
//
//	func foo() error {
//	    var errs ErrList
//	    return errs // never == nil
//	}
//
// Call ErrorOrNil to construct the error instead.

// ErrList holds a list of errors.
type ErrList []error

// Add appends err to the list, ignoring nil errors. It returns whether err was
// non-nil, so callers can log and continue in a single statement.
func (e *ErrList) Add(err error) bool {
	if err == nil {
		return false
	}
	*e = append(*e, err)
	return true
}

// ErrorOrNil returns a single error that includes all of the errors in the
// provided ErrList, or nil if there are no errors.
func (e ErrList) ErrorOrNil() error {
	if len(e) == 0 {
		return nil
	}
	if len(e) == 1 {
		return e[0]
	}
	return errlist(e)
}

type errlist []error

// Error implements the error interface.
func (e errlist) Error() string {
	var b strings.Builder
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As look through every error in the list.
func (e errlist) Unwrap() []error {
	return []error(e)
}

/*
 * // Copyright 2020 Thales DIS CPL Inc
 * //
 * // Permission is hereby granted, free of charge, to any person obtaining
 * // a copy of this software and associated documentation files (the
 * // "Software"), to deal in the Software without restriction, including
 * // without limitation the rights to use, copy, modify, merge, publish,
 * // distribute, sublicense, and/or sell copies of the Software, and to
 * // permit persons to whom the Software is furnished to do so, subject to
 * // the following conditions:
 * //
 * // The above copyright notice and this permission notice shall be
 * // included in all copies or substantial portions of the Software.
 * //
 * // THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * // EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * // MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
 * // NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
 * // LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
 * // OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
 * // WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

// Package tokenstore holds the validation tokens a connector presents to
// its KMS to prove its identity. Tokens are procured once at startup from
// a source named by a "details" string and held in memory until an
// explicit re-procure.
package tokenstore

import "time"

// Source enumerates where a token's bytes came from. "file" is the only
// implemented source; the type exists so a future source doesn't need a
// breaking change.
type Source string

const SourceFile Source = "file"

// ValidationToken is a single named bearer credential (spec §3).
type ValidationToken struct {
	Name   string
	Value  []byte
	Source Source
	Origin string
	ReadTS time.Time
}

// Store is the C3 contract: procure tokens wholesale from details, and
// list whatever is currently held.
type Store interface {
	// Procure parses details and (re)populates the store. Previously held
	// tokens are discarded atomically at the start of this call so the
	// store is never a mix of stale and fresh generations.
	Procure(details string) error

	// Tokens returns every currently held token. The returned slice must
	// not be mutated by callers.
	Tokens() []ValidationToken
}

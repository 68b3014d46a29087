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

package tokenstore

import "sync"

// MemoryStore is a nonpersistent Store backed by a caller-supplied map.
// It never touches a filesystem; Procure's "details" string is the map
// key pointing at a preloaded fixture rather than a file path.
//
// This is only intended to be used for testing connector components that
// depend on tokenstore.Store without exercising the file-loading rules of
// FileStore.
type MemoryStore struct {
	mu       sync.RWMutex
	Fixtures map[string][]ValidationToken
	tokens   []ValidationToken
}

// NewMemoryStore constructs a MemoryStore whose Procure call looks up
// details verbatim in fixtures.
func NewMemoryStore(fixtures map[string][]ValidationToken) *MemoryStore {
	return &MemoryStore{Fixtures: fixtures}
}

// Procure implements Store.Procure against the fixture map.
func (ms *MemoryStore) Procure(details string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tokens = nil
	toks, ok := ms.Fixtures[details]
	if !ok {
		ms.tokens = nil
		return nil
	}
	ms.tokens = append([]ValidationToken(nil), toks...)
	return nil
}

// Tokens implements Store.Tokens.
func (ms *MemoryStore) Tokens() []ValidationToken {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]ValidationToken, len(ms.tokens))
	copy(out, ms.tokens)
	return out
}

// Set overwrites the held tokens directly, bypassing Procure/Fixtures.
// Handy for engine/loop tests that just need a fixed token set present.
func (ms *MemoryStore) Set(tokens []ValidationToken) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tokens = tokens
}

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

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
	"github.com/sirupsen/logrus"
)

// NameSep and TupleSep are the fixed byte values separating a details
// string's name/path pairs (spec §4.3).
const (
	NameSep  = '='
	TupleSep = ';'
)

// FileStore is a file-backed validation-token store. Procure reads every
// named file listed in a details string into memory; nothing is kept open
// afterward.
type FileStore struct {
	MaxTokenSize     int64
	MaxTokensPayload int64
	StripNewline     bool

	mu     sync.RWMutex
	tokens []ValidationToken
}

// NewFileStore constructs a FileStore bound by the given size limits.
func NewFileStore(maxTokenSize, maxTokensPayload int64, stripNewline bool) *FileStore {
	return &FileStore{
		MaxTokenSize:     maxTokenSize,
		MaxTokensPayload: maxTokensPayload,
		StripNewline:     stripNewline,
	}
}

// Procure implements Store.Procure. On any error the store's prior
// generation has already been cleared; callers must treat a failed
// procure as leaving no tokens held.
func (fs *FileStore) Procure(details string) (err error) {
	fs.mu.Lock()
	fs.tokens = nil
	fs.mu.Unlock()

	if details == "" {
		return kmserrors.New(kmserrors.KindInvalidConfig, "empty token details string")
	}

	pairs, err := parseDetails(details)
	if err != nil {
		return err
	}

	var fresh []ValidationToken
	var payload int64
	for _, p := range pairs {
		var tok ValidationToken
		tok, err = fs.loadOne(p.name, p.path)
		if err != nil {
			return err
		}
		payload += int64(len(tok.Value))
		if payload > fs.MaxTokensPayload {
			return kmserrors.New(kmserrors.KindValueTooLarge, "total token payload exceeds limit")
		}
		fresh = append(fresh, tok)
	}

	fs.mu.Lock()
	fs.tokens = fresh
	fs.mu.Unlock()
	logrus.WithField("count", len(fresh)).Info("validation tokens procured")
	return nil
}

// Tokens implements Store.Tokens.
func (fs *FileStore) Tokens() []ValidationToken {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]ValidationToken, len(fs.tokens))
	copy(out, fs.tokens)
	return out
}

func (fs *FileStore) loadOne(name, path string) (tok ValidationToken, err error) {
	fi, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return tok, kmserrors.Wrap(kmserrors.KindInvalidConfig, "token file not found: "+path, statErr)
		}
		return tok, kmserrors.Wrap(kmserrors.KindIOError, "stat token file: "+path, statErr)
	}
	if fi.Size() > fs.MaxTokenSize {
		return tok, kmserrors.New(kmserrors.KindFileTooLarge, "token file exceeds max size: "+path)
	}

	f, openErr := os.Open(path)
	if openErr != nil {
		return tok, kmserrors.Wrap(kmserrors.KindIOError, "open token file: "+path, openErr)
	}
	defer f.Close()

	buf := make([]byte, fi.Size())
	n, readErr := readFull(f, buf)
	if readErr != nil {
		return tok, kmserrors.Wrap(kmserrors.KindIOError, "read token file: "+path, readErr)
	}
	buf = buf[:n]

	if fs.StripNewline && len(buf) > 0 && buf[len(buf)-1] == '\n' {
		buf = buf[:len(buf)-1]
	}

	return ValidationToken{
		Name:   name,
		Value:  buf,
		Source: SourceFile,
		Origin: path,
		ReadTS: time.Now(),
	}, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

type detailPair struct {
	name string
	path string
}

// parseDetails implements the scan rule of spec §4.3: alternately scan
// for name up to NameSep and path up to TupleSep, trimming both. A
// non-empty name with an empty path is operation-failed.
func parseDetails(details string) ([]detailPair, error) {
	var pairs []detailPair
	rest := details
	for len(rest) > 0 {
		nameEnd := strings.IndexByte(rest, NameSep)
		if nameEnd < 0 {
			return nil, kmserrors.New(kmserrors.KindOperationFailed, "malformed token details: missing name separator")
		}
		name := strings.TrimSpace(rest[:nameEnd])
		rest = rest[nameEnd+1:]

		pathEnd := strings.IndexByte(rest, TupleSep)
		var path string
		if pathEnd < 0 {
			path = strings.TrimSpace(rest)
			rest = ""
		} else {
			path = strings.TrimSpace(rest[:pathEnd])
			rest = rest[pathEnd+1:]
		}

		if name != "" && path == "" {
			return nil, kmserrors.New(kmserrors.KindOperationFailed, "malformed token details: name with empty path")
		}
		if name == "" {
			continue
		}
		pairs = append(pairs, detailPair{name: name, path: path})
	}
	return pairs, nil
}

package discovery

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/distkv/restkmsconnector/pkg/kmserrors"
)

// FileSource implements Source by reading a newline-separated list of
// URLs from a file (spec §4.2 file mode).
type FileSource struct {
	Path string
}

// NewFileSource builds a FileSource reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Discover reads the whole discovery file and parses it: trim surrounding
// whitespace, strip trailing slashes, skip empty lines. File missing is
// invalid-kms-config; a short read is io-error.
func (fs *FileSource) Discover(ctx context.Context) ([]string, error) {
	f, err := os.Open(fs.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kmserrors.Wrap(kmserrors.KindInvalidConfig, "discovery file not found: "+fs.Path, err)
		}
		return nil, kmserrors.Wrap(kmserrors.KindIOError, "open discovery file: "+fs.Path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, f); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindIOError, "read discovery file: "+fs.Path, err)
	}

	var urls []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for strings.HasSuffix(line, "/") {
			line = line[:len(line)-1]
		}
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	if err = scanner.Err(); err != nil {
		return nil, kmserrors.Wrap(kmserrors.KindIOError, "scan discovery file: "+fs.Path, err)
	}
	return urls, nil
}

package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/emersion/go-imap/utf7"

	"github.com/dhcgn/mbox-dmarc/model"
)

var (
	ErrStoreNotFound     = errors.New("mail store not found")
	ErrOrdinalOutOfRange = errors.New("message ordinal out of range")
)

// OrdinalError reports an ordinal that does not name a message in the store.
type OrdinalError struct {
	Path    string
	Ordinal int
	Base    int
	Count   int
}

func (e *OrdinalError) Error() string {
	return fmt.Sprintf("%s: message %d requested, %s holds %d message(s) numbered from %d",
		ErrOrdinalOutOfRange, e.Ordinal, e.Path, e.Count, e.Base)
}

func (e *OrdinalError) Is(target error) bool {
	return target == ErrOrdinalOutOfRange
}

// FlagExpunged is the X-Mozilla-Status bit of a message deleted from the
// folder view but not yet compacted out of the store.
const FlagExpunged = 0x0008

const statusHeader = "x-mozilla-status:"

var fromMarker = []byte("From ")

// Options define how ordinals are counted.
type Options struct {
	// Base is the ordinal of the first counted message, 0 or 1.
	Base int
	// IncludeExpunged counts expunged messages instead of skipping them.
	IncludeExpunged bool
}

// Entry describes one message found while scanning a store.
type Entry struct {
	// Position is the 0-based raw position in the file.
	Position int
	// Ordinal is the number the message is addressed by, or -1 when the
	// message is expunged and not counted.
	Ordinal  int
	Span     model.Span
	Expunged bool
	Status   uint32
}

// Locator maps ordinals to messages in a flat mbox store.
type Locator struct {
	opts   Options
	logger *slog.Logger
}

func NewLocator(opts Options, logger *slog.Logger) (*Locator, error) {
	if opts.Base != 0 && opts.Base != 1 {
		return nil, fmt.Errorf("ordinal base must be 0 or 1, got %d", opts.Base)
	}
	return &Locator{opts: opts, logger: logger}, nil
}

// Locate returns the span of the message addressed by ordinal.
func (l *Locator) Locate(path string, ordinal int) (model.Span, error) {
	file, err := l.Open(path)
	if err != nil {
		return model.Span{}, err
	}
	defer file.Close()

	return l.locate(file, path, ordinal)
}

// Read locates the message and returns its bytes without the "From "
// envelope line. The store is closed before Read returns.
func (l *Locator) Read(path string, ordinal int) (model.Span, []byte, error) {
	file, err := l.Open(path)
	if err != nil {
		return model.Span{}, nil, err
	}
	defer file.Close()

	span, err := l.locate(file, path, ordinal)
	if err != nil {
		return model.Span{}, nil, err
	}

	raw, err := io.ReadAll(io.NewSectionReader(file, span.Start, span.Len()))
	if err != nil {
		return model.Span{}, nil, fmt.Errorf("read message %d: %w", ordinal, err)
	}

	return span, StripEnvelope(raw), nil
}

func (l *Locator) locate(file *os.File, path string, ordinal int) (model.Span, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return model.Span{}, fmt.Errorf("rewind %s: %w", path, err)
	}

	count := 0
	var found *model.Span
	errStop := errors.New("stop")
	err := Scan(file, l.opts, func(e Entry) error {
		if e.Ordinal < 0 {
			return nil
		}
		count++
		if e.Ordinal == ordinal {
			span := e.Span
			found = &span
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return model.Span{}, fmt.Errorf("scan %s: %w", path, err)
	}

	if found == nil {
		return model.Span{}, &OrdinalError{Path: path, Ordinal: ordinal, Base: l.opts.Base, Count: count}
	}

	if l.logger != nil {
		l.logger.Debug("message located", "path", path, "ordinal", ordinal, "start", found.Start, "end", found.End)
	}
	return *found, nil
}

// Open opens the store read-only. When path does not exist, the last path
// element is retried in IMAP modified UTF-7, the naming used on disk for
// IMAP folders with non-ASCII names.
func (l *Locator) Open(path string) (*os.File, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != path && l.logger != nil {
		l.logger.Debug("store resolved via modified UTF-7 name", "path", path, "resolved", resolved)
	}

	file, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreNotFound, err)
	}
	return file, nil
}

func resolvePath(path string) (string, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrStoreNotFound, path)
		}
		return path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %v", ErrStoreNotFound, err)
	}

	encoded, encErr := utf7.Encoding.NewEncoder().String(filepath.Base(path))
	if encErr == nil && encoded != filepath.Base(path) {
		candidate := filepath.Join(filepath.Dir(path), encoded)
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %v", ErrStoreNotFound, err)
}

// Scan walks the store once and calls fn for every message. A message starts
// at a line beginning with "From " that is the first line of the file or
// follows a blank line. Returning an error from fn stops the scan and the
// error is returned unchanged.
func Scan(r io.Reader, opts Options, fn func(Entry) error) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		offset    int64
		prevBlank = true
		lineStart = true
		inHeader  bool
		current   *Entry
		position  int
		counted   int
	)

	emit := func(end int64) error {
		if current == nil {
			return nil
		}
		current.Span.End = end
		current.Expunged = current.Status&FlagExpunged != 0
		current.Ordinal = -1
		if !current.Expunged || opts.IncludeExpunged {
			current.Ordinal = counted + opts.Base
			counted++
		}
		entry := *current
		current = nil
		return fn(entry)
	}

	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'

			if lineStart {
				switch {
				case prevBlank && bytes.HasPrefix(line, fromMarker):
					if err := emit(offset); err != nil {
						return err
					}
					current = &Entry{Position: position, Span: model.Span{Start: offset}}
					position++
					inHeader = true
				case inHeader && isBlank(line):
					inHeader = false
				case inHeader && current != nil && hasPrefixFold(line, statusHeader):
					current.Status = parseStatus(line[len(statusHeader):])
				}
				prevBlank = complete && isBlank(line)
			}

			offset += int64(len(line))
			lineStart = complete
		}

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return emit(offset)
			}
			return err
		}
	}
}

// StripEnvelope drops the leading "From " line of a raw mbox message.
func StripEnvelope(raw []byte) []byte {
	if !bytes.HasPrefix(raw, fromMarker) {
		return raw
	}
	if idx := bytes.IndexByte(raw, '\n'); idx >= 0 {
		return raw[idx+1:]
	}
	return nil
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

func hasPrefixFold(line []byte, prefix string) bool {
	return len(line) >= len(prefix) && bytes.EqualFold(line[:len(prefix)], []byte(prefix))
}

// parseStatus reads the hex flag word of an X-Mozilla-Status header.
func parseStatus(value []byte) uint32 {
	v, err := strconv.ParseUint(string(bytes.TrimSpace(value)), 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

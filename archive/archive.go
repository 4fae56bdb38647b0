package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/dhcgn/mbox-dmarc/model"
)

var (
	ErrCorruptArchive     = errors.New("corrupt archive")
	ErrUnexpectedContents = errors.New("unexpected archive contents")
)

// DefaultMaxReportBytes caps the decompressed report size.
const DefaultMaxReportBytes int64 = 64 << 20

// Options configure an Extractor.
type Options struct {
	MaxReportBytes int64
}

// Extractor unpacks the single XML report held by a zip attachment.
type Extractor struct {
	maxBytes int64
	logger   *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Extractor, error) {
	if opts.MaxReportBytes < 0 {
		return nil, fmt.Errorf("max report size must not be negative: %d", opts.MaxReportBytes)
	}
	if opts.MaxReportBytes == 0 {
		opts.MaxReportBytes = DefaultMaxReportBytes
	}
	return &Extractor{maxBytes: opts.MaxReportBytes, logger: logger}, nil
}

// Extract decompresses the only file entry of data. Directory entries are
// skipped; the remaining entry must be an .xml file.
func (e *Extractor) Extract(data []byte) (model.Report, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return model.Report{}, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if e.logger != nil {
				e.logger.Info("skipping directory entry", "entry", f.Name)
			}
			continue
		}
		files = append(files, f)
	}

	switch len(files) {
	case 0:
		return model.Report{}, fmt.Errorf("%w: archive holds no files", ErrUnexpectedContents)
	case 1:
	default:
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name)
		}
		return model.Report{}, fmt.Errorf("%w: %d files (%s)", ErrUnexpectedContents, len(files), strings.Join(names, ", "))
	}

	f := files[0]
	name, err := reportName(f.Name)
	if err != nil {
		return model.Report{}, err
	}
	if f.UncompressedSize64 > uint64(e.maxBytes) {
		return model.Report{}, fmt.Errorf("%w: %s declares %d bytes, limit is %d", ErrCorruptArchive, f.Name, f.UncompressedSize64, e.maxBytes)
	}

	if e.logger != nil {
		e.logger.Info("unzipping report", "entry", f.Name, "compressed", f.CompressedSize64, "size", f.UncompressedSize64)
	}

	body, err := e.read(f)
	if err != nil {
		return model.Report{}, err
	}
	return model.Report{Filename: name, Data: body}, nil
}

func (e *Extractor) read(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	// One byte past the cap tells an oversized entry from an exact fit.
	body, err := io.ReadAll(io.LimitReader(rc, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptArchive, f.Name, err)
	}
	if int64(len(body)) > e.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrCorruptArchive, f.Name, e.maxBytes)
	}
	return body, nil
}

// reportName reduces an entry name to a base name safe to create in an
// output directory.
func reportName(entry string) (string, error) {
	clean := strings.ReplaceAll(entry, "\\", "/")
	base := path.Base(clean)
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("%w: unusable entry name %q", ErrUnexpectedContents, entry)
	}
	if !strings.HasSuffix(strings.ToLower(base), ".xml") {
		return "", fmt.Errorf("%w: %q is not an XML file", ErrUnexpectedContents, entry)
	}
	return base, nil
}

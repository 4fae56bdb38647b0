package output

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhcgn/mbox-dmarc/model"
)

var ErrFileExists = errors.New("output file already exists")

// Sink receives extracted reports.
type Sink interface {
	Write(report model.Report) error
}

// Stdout prints reports one after another.
type Stdout struct {
	w     io.Writer
	color *Colorizer
}

func NewStdout(w io.Writer, mode ColorMode) *Stdout {
	return &Stdout{w: w, color: NewColorizer(w, mode)}
}

func (s *Stdout) Write(report model.Report) error {
	data := s.color.Colorize(report.Data)
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", report.Filename, err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		if _, err := io.WriteString(s.w, "\n"); err != nil {
			return fmt.Errorf("write %s: %w", report.Filename, err)
		}
	}
	return nil
}

// Dir saves each report as a file named after its archive entry. Existing
// files are never replaced.
type Dir struct {
	dir    string
	logger *slog.Logger
}

func NewDir(dir string, logger *slog.Logger) (*Dir, error) {
	if dir == "" {
		dir = "."
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output directory %s is not a directory", dir)
	}
	return &Dir{dir: dir, logger: logger}, nil
}

// Path returns where report would be saved.
func (d *Dir) Path(report model.Report) string {
	return filepath.Join(d.dir, filepath.Base(report.Filename))
}

func (d *Dir) Write(report model.Report) (err error) {
	name := filepath.Base(report.Filename)
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return fmt.Errorf("unusable report filename %q", report.Filename)
	}
	path := filepath.Join(d.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err = f.Write(report.Data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if d.logger != nil {
		d.logger.Info("saved report", "path", path, "bytes", len(report.Data))
	}
	return nil
}

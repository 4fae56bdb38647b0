package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/dhcgn/mbox-dmarc/internal/mailtest"
)

func newExtractor(t *testing.T, opts Options) *Extractor {
	t.Helper()
	e, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func storedZip(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	xml := []byte(`<?xml version="1.0" encoding="UTF-8" ?><feedback><policy_published><p>none</p></policy_published></feedback>`)

	tests := []struct {
		name     string
		files    []mailtest.File
		wantName string
	}{
		{
			name:     "single entry",
			files:    []mailtest.File{{Name: "google.com!example.com!1700000000!1700086399.xml", Data: xml}},
			wantName: "google.com!example.com!1700000000!1700086399.xml",
		},
		{
			name:     "directory entries ignored",
			files:    []mailtest.File{{Name: "reports/"}, {Name: "reports/r.xml", Data: xml}},
			wantName: "r.xml",
		},
		{
			name:     "upper case extension",
			files:    []mailtest.File{{Name: "R.XML", Data: xml}},
			wantName: "R.XML",
		},
		{
			name:     "traversal reduced to base name",
			files:    []mailtest.File{{Name: "../../etc/r.xml", Data: xml}},
			wantName: "r.xml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExtractor(t, Options{})
			report, err := e.Extract(mailtest.Zip(t, tt.files...))
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if report.Filename != tt.wantName {
				t.Errorf("Filename = %q, want %q", report.Filename, tt.wantName)
			}
			if !bytes.Equal(report.Data, xml) {
				t.Errorf("Data = %q, want %q", report.Data, xml)
			}
		})
	}
}

func TestExtract_LogsSkippedDirectories(t *testing.T) {
	var logs bytes.Buffer
	e, err := New(Options{}, slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	data := mailtest.Zip(t, mailtest.File{Name: "reports/"}, mailtest.File{Name: "reports/r.xml", Data: []byte("<feedback/>")})
	if _, err := e.Extract(data); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(logs.String(), "skipping directory entry") || !strings.Contains(logs.String(), "entry=reports/") {
		t.Errorf("directory entry not logged:\n%s", logs.String())
	}
}

func TestExtract_UnexpectedContents(t *testing.T) {
	tests := []struct {
		name  string
		files []mailtest.File
	}{
		{name: "two entries", files: []mailtest.File{{Name: "a.xml", Data: []byte("<a/>")}, {Name: "b.xml", Data: []byte("<b/>")}}},
		{name: "only a directory", files: []mailtest.File{{Name: "empty/"}}},
		{name: "empty archive", files: nil},
		{name: "not xml", files: []mailtest.File{{Name: "report.json", Data: []byte("{}")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExtractor(t, Options{})
			_, err := e.Extract(mailtest.Zip(t, tt.files...))
			if !errors.Is(err, ErrUnexpectedContents) {
				t.Fatalf("Extract() error = %v, want ErrUnexpectedContents", err)
			}
		})
	}
}

func TestExtract_Corrupt(t *testing.T) {
	valid := mailtest.Zip(t, mailtest.File{Name: "r.xml", Data: []byte("<feedback/>")})

	checksum := storedZip(t, "r.xml", []byte("<feedback>pass</feedback>"))
	i := bytes.Index(checksum, []byte("pass"))
	if i < 0 {
		t.Fatal("stored payload not found in archive")
	}
	checksum[i] = 'f'

	tests := []struct {
		name string
		data []byte
	}{
		{name: "not a zip", data: []byte("this is not an archive")},
		{name: "empty", data: nil},
		{name: "truncated", data: valid[:len(valid)/2]},
		{name: "checksum mismatch", data: checksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExtractor(t, Options{})
			_, err := e.Extract(tt.data)
			if !errors.Is(err, ErrCorruptArchive) {
				t.Fatalf("Extract() error = %v, want ErrCorruptArchive", err)
			}
		})
	}
}

func TestExtract_SizeCap(t *testing.T) {
	data := mailtest.Zip(t, mailtest.File{Name: "r.xml", Data: []byte("<feedback/>")})

	e := newExtractor(t, Options{MaxReportBytes: 4})
	if _, err := e.Extract(data); !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("Extract() error = %v, want ErrCorruptArchive", err)
	}

	e = newExtractor(t, Options{MaxReportBytes: int64(len("<feedback/>"))})
	report, err := e.Extract(data)
	if err != nil {
		t.Fatalf("Extract() at the exact limit error = %v", err)
	}
	if string(report.Data) != "<feedback/>" {
		t.Errorf("Data = %q", report.Data)
	}
}

func TestNew_NegativeLimit(t *testing.T) {
	if _, err := New(Options{MaxReportBytes: -1}, nil); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

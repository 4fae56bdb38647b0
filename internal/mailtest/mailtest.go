// Package mailtest builds mbox stores, MIME messages and zip archives for tests.
package mailtest

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TB is the subset of testing.TB the builders need. *rapid.T satisfies it too.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Boundary used by every multipart message built here.
const Boundary = "=_mailtest_boundary_0001"

// File is one entry of a zip archive.
type File struct {
	Name string
	Data []byte
}

// Zip returns a deflate-compressed archive holding files in order.
func Zip(t TB, files ...File) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.Name)
		if err != nil {
			t.Fatalf("zip create %q: %v", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			t.Fatalf("zip write %q: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// Attachment is a base64 encoded leaf part of a test message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ZipReport returns an application/zip attachment named name+".zip" that
// holds a single entry name with content xml.
func ZipReport(t TB, name, xml string) Attachment {
	t.Helper()
	return Attachment{
		Filename:    name + ".zip",
		ContentType: "application/zip",
		Data:        Zip(t, File{Name: name, Data: []byte(xml)}),
	}
}

// Message builds a multipart/mixed message with a short text part followed
// by the attachments.
func Message(subject string, attachments ...Attachment) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: noreply-dmarc-support@google.com\n")
	fmt.Fprintf(&b, "To: dmarc@example.com\n")
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "Date: Sat, 17 Oct 2026 10:00:00 +0000\n")
	fmt.Fprintf(&b, "MIME-Version: 1.0\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\n", Boundary)
	b.WriteString("\n")
	b.WriteString("This is a multi-part message in MIME format.\n")

	fmt.Fprintf(&b, "--%s\n", Boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\n")
	b.WriteString("Content-Transfer-Encoding: 7bit\n\n")
	b.WriteString("This is an aggregate report.\n")

	for _, a := range attachments {
		fmt.Fprintf(&b, "--%s\n", Boundary)
		b.WriteString(PartHeader(a))
		b.WriteString("\n")
		b.WriteString(Base64Lines(a.Data))
	}
	fmt.Fprintf(&b, "--%s--\n", Boundary)
	return []byte(b.String())
}

// SinglePart builds a non-multipart message whose whole body is the attachment.
func SinglePart(subject string, a Attachment) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: dmarc-reports@example.net\n")
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\n")
	b.WriteString(PartHeader(a))
	b.WriteString("\n")
	b.WriteString(Base64Lines(a.Data))
	return []byte(b.String())
}

// PartHeader renders the headers of an attachment part.
func PartHeader(a Attachment) string {
	var b strings.Builder
	if a.Filename != "" {
		fmt.Fprintf(&b, "Content-Type: %s; name=%q\n", a.ContentType, a.Filename)
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\n", a.Filename)
	} else {
		fmt.Fprintf(&b, "Content-Type: %s\n", a.ContentType)
	}
	b.WriteString("Content-Transfer-Encoding: base64\n")
	return b.String()
}

// Base64Lines encodes data as base64 wrapped at 76 columns.
func Base64Lines(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\n")
	return b.String()
}

// Expunged marks a message as deleted the way Thunderbird does before the
// folder is compacted.
func Expunged(msg []byte) []byte {
	return append([]byte("X-Mozilla-Status: 0009\nX-Mozilla-Status2: 00000000\n"), msg...)
}

// Live adds a Thunderbird status header without the expunged flag.
func Live(msg []byte) []byte {
	return append([]byte("X-Mozilla-Status: 0001\nX-Mozilla-Status2: 00000000\n"), msg...)
}

// Envelope is the "From " line written before every message.
const Envelope = "From - Sat Oct 17 10:00:00 2026\n"

// Mbox concatenates messages into a flat mbox store, separating them with a
// blank line.
func Mbox(msgs ...[]byte) []byte {
	var buf bytes.Buffer
	for _, m := range msgs {
		buf.WriteString(Envelope)
		buf.Write(m)
		if !bytes.HasSuffix(m, []byte("\n")) {
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

// WriteFile writes data below dir and returns the path.
func WriteFile(t TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// URI returns the mailbox:// reference for ordinal n of the store at path.
func URI(path string, n int) string {
	return fmt.Sprintf("mailbox://%s?number=%d", filepath.ToSlash(path), n)
}

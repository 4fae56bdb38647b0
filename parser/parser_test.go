package parser

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dhcgn/mbox-dmarc/internal/mailtest"
)

func TestParse_MultipartWithZip(t *testing.T) {
	att := mailtest.ZipReport(t, "report.xml", "<feedback/>")
	raw := mailtest.Message("=?utf-8?q?Report_domain=3A_example.com?=", att)

	msg, err := New(nil).Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if msg.Subject != "Report domain: example.com" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.Root.MediaType != "multipart/mixed" {
		t.Fatalf("root media type = %q", msg.Root.MediaType)
	}
	if len(msg.Root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(msg.Root.Children))
	}

	text := msg.Root.Children[0]
	if text.MediaType != "text/plain" || text.Charset != "utf-8" {
		t.Errorf("first part = %s charset %q", text.MediaType, text.Charset)
	}
	if strings.TrimSpace(string(text.Body)) != "This is an aggregate report." {
		t.Errorf("text body = %q", text.Body)
	}

	zip := msg.Root.Children[1]
	if zip.MediaType != "application/zip" {
		t.Errorf("attachment media type = %q", zip.MediaType)
	}
	if zip.Filename != "report.xml.zip" {
		t.Errorf("attachment filename = %q", zip.Filename)
	}
	if zip.Disposition != "attachment" {
		t.Errorf("attachment disposition = %q", zip.Disposition)
	}
	if !bytes.Equal(zip.Body, att.Data) {
		t.Errorf("attachment body was not base64-decoded to the original bytes")
	}
}

func TestParse_NestedMultipart(t *testing.T) {
	zipData := mailtest.Zip(t, mailtest.File{Name: "r.xml", Data: []byte("<feedback/>")})
	raw := "Subject: nested\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/mixed; boundary=outer\n\n" +
		"--outer\n" +
		"Content-Type: multipart/alternative; boundary=inner\n\n" +
		"--inner\n" +
		"Content-Type: text/plain; charset=us-ascii\n\n" +
		"plain\n" +
		"--inner\n" +
		"Content-Type: text/html; charset=us-ascii\n\n" +
		"<p>html</p>\n" +
		"--inner--\n" +
		"--outer\n" +
		mailtest.PartHeader(mailtest.Attachment{Filename: "r.xml.zip", ContentType: "application/zip"}) + "\n" +
		mailtest.Base64Lines(zipData) +
		"--outer--\n"

	msg, err := New(nil).Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(msg.Root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(msg.Root.Children))
	}
	alt := msg.Root.Children[0]
	if alt.MediaType != "multipart/alternative" || len(alt.Children) != 2 {
		t.Fatalf("first child = %s with %d children", alt.MediaType, len(alt.Children))
	}
	if !alt.IsMultipart() || msg.Root.Children[1].IsMultipart() {
		t.Error("IsMultipart() does not match the tree shape")
	}
	if got := string(alt.Children[1].Body); got != "<p>html</p>\n" && got != "<p>html</p>" {
		t.Errorf("html body = %q", got)
	}
	if !bytes.Equal(msg.Root.Children[1].Body, zipData) {
		t.Error("nested attachment body mismatch")
	}
}

func TestParse_TransferEncodingsAndCharsets(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		body     string
		wantBody string
	}{
		{
			name:     "quoted-printable utf-8",
			header:   "Content-Type: text/plain; charset=utf-8\nContent-Transfer-Encoding: quoted-printable\n",
			body:     "caf=C3=A9 au lait",
			wantBody: "café au lait",
		},
		{
			name:     "quoted-printable latin1",
			header:   "Content-Type: text/plain; charset=iso-8859-1\nContent-Transfer-Encoding: quoted-printable\n",
			body:     "caf=E9",
			wantBody: "café",
		},
		{
			name:     "base64 windows-1252",
			header:   "Content-Type: text/plain; charset=windows-1252\nContent-Transfer-Encoding: base64\n",
			body:     "gCAxMA==",
			wantBody: "€ 10",
		},
		{
			name:     "unknown charset keeps bytes",
			header:   "Content-Type: text/plain; charset=x-made-up\n",
			body:     "raw text",
			wantBody: "raw text",
		},
		{
			name:     "missing content type defaults to text",
			header:   "",
			body:     "hello",
			wantBody: "hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "Subject: t\n" + tt.header + "\n" + tt.body
			msg, err := New(nil).Parse([]byte(raw))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if msg.Root.MediaType != "text/plain" {
				t.Errorf("media type = %q", msg.Root.MediaType)
			}
			if got := string(msg.Root.Body); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestParse_RFC2231Filename(t *testing.T) {
	zipData := mailtest.Zip(t, mailtest.File{Name: "r.xml", Data: []byte("<feedback/>")})
	raw := "Subject: t\n" +
		"Content-Type: application/zip\n" +
		"Content-Disposition: attachment; filename*=utf-8''r%C3%A9port.xml.zip\n" +
		"Content-Transfer-Encoding: base64\n\n" +
		mailtest.Base64Lines(zipData)

	msg, err := New(nil).Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.Root.Filename != "réport.xml.zip" {
		t.Errorf("Filename = %q", msg.Root.Filename)
	}
}

func TestParse_UnquotedParameter(t *testing.T) {
	zipData := mailtest.Zip(t, mailtest.File{Name: "r.xml", Data: []byte("<feedback/>")})
	raw := "Subject: Report domain: example.com\n" +
		"Message-ID: <1234@google.com>\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\n\n" +
		"--b1\n" +
		"Content-Type: text/plain\n\n" +
		"report attached\n" +
		"--b1\n" +
		"Content-Type: application/zip; name=google report.zip\n" +
		"Content-Transfer-Encoding: base64\n\n" +
		mailtest.Base64Lines(zipData) + "\n" +
		"--b1--\n"

	msg, err := New(nil).Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.MessageID != "1234@google.com" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if len(msg.Root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(msg.Root.Children))
	}

	part := msg.Root.Children[1]
	if part.MediaType != "application/zip" {
		t.Errorf("media type = %q, want application/zip", part.MediaType)
	}
	if part.Filename != "google report.zip" {
		t.Errorf("Filename = %q", part.Filename)
	}
	if !bytes.Equal(part.Body, zipData) {
		t.Error("attachment body was not base64-decoded")
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "empty",
			raw:  "",
		},
		{
			name: "multipart without boundary parameter",
			raw:  "Subject: t\nContent-Type: multipart/mixed\n\n--x\n\nbody\n--x--\n",
		},
		{
			name: "boundary markers missing",
			raw:  "Subject: t\nContent-Type: multipart/mixed; boundary=abc\n\nno parts here\n",
		},
		{
			name: "truncated base64",
			raw: "Subject: t\nContent-Type: multipart/mixed; boundary=abc\n\n" +
				"--abc\nContent-Type: application/zip\nContent-Transfer-Encoding: base64\n\nUEsDBBQAAAAIAA\n--abc--\n",
		},
		{
			name: "corrupt base64",
			raw:  "Subject: t\nContent-Type: application/zip\nContent-Transfer-Encoding: base64\n\n!!!!****\n",
		},
		{
			name: "header line without colon",
			raw:  "this is not a header\n\nbody\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).Parse([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("Parse() error = %v, want ErrMalformedMessage", err)
			}
		})
	}
}

func TestParse_TooDeep(t *testing.T) {
	var b strings.Builder
	b.WriteString("Subject: deep\n")
	for i := 0; i <= maxDepth+1; i++ {
		b.WriteString("Content-Type: multipart/mixed; boundary=b")
		b.WriteString(strings.Repeat("x", i))
		b.WriteString("\n\n--b")
		b.WriteString(strings.Repeat("x", i))
		b.WriteString("\n")
	}
	b.WriteString("Content-Type: text/plain\n\nleaf\n")

	_, err := New(nil).Parse([]byte(b.String()))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("Parse() error = %v, want ErrMalformedMessage", err)
	}
}

package model

// Reference names one message inside a flat mbox store by ordinal position.
type Reference struct {
	Raw       string
	StorePath string
	Ordinal   int
}

// Span is the byte range [Start, End) of one message inside a store file,
// starting at its "From " envelope line.
type Span struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int64 {
	return s.End - s.Start
}

// Part is a node of a parsed MIME tree. Multipart nodes carry Children,
// leaves carry a Body that is already transfer-decoded.
type Part struct {
	MediaType   string
	Params      map[string]string
	Disposition string
	Filename    string
	Charset     string
	Children    []*Part
	Body        []byte
}

// IsMultipart reports whether the part is a container.
func (p *Part) IsMultipart() bool {
	return len(p.Children) > 0
}

// Attachment is the compressed archive part selected from a message.
type Attachment struct {
	Filename  string
	MediaType string
	Data      []byte
}

// Report is the decompressed report file found inside the archive.
type Report struct {
	Filename string
	Data     []byte
}

// Result wraps the outcome of processing one reference.
type Result struct {
	Ref    string
	Report Report
	Err    error
}

package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/dhcgn/mbox-dmarc/model"
)

var ErrMalformedMessage = errors.New("malformed message")

// maxDepth bounds multipart nesting.
const maxDepth = 32

// Message is a parsed mail message.
type Message struct {
	Subject   string
	From      string
	MessageID string
	Root      *model.Part
}

// Parser turns raw RFC 5322 messages into MIME part trees.
type Parser struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse decodes raw into a Message. Leaf bodies are transfer-decoded, and
// text/* bodies are converted to UTF-8 when their charset is known.
func (p *Parser) Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedMessage, err)
	}

	root, err := p.walk(entity, err, 0)
	if err != nil {
		return nil, err
	}

	h := mail.Header{Header: entity.Header}
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	return &Message{
		Subject:   subject,
		From:      h.Get("From"),
		MessageID: strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"),
		Root:      root,
	}, nil
}

func (p *Parser) walk(entity *gomessage.Entity, entityErr error, depth int) (*model.Part, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: multipart nesting deeper than %d", ErrMalformedMessage, maxDepth)
	}

	part := describe(entity)

	if strings.HasPrefix(part.MediaType, "multipart/") {
		if part.Params["boundary"] == "" {
			return nil, fmt.Errorf("%w: %s without boundary", ErrMalformedMessage, part.MediaType)
		}
		mr := entity.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("%w: unreadable %s body", ErrMalformedMessage, part.MediaType)
		}
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && (child == nil || !isRecoverable(err)) {
				return nil, fmt.Errorf("%w: part %d of %s: %v", ErrMalformedMessage, len(part.Children)+1, part.MediaType, err)
			}
			node, err := p.walk(child, err, depth+1)
			if err != nil {
				return nil, err
			}
			part.Children = append(part.Children, node)
		}
		if len(part.Children) == 0 {
			return nil, fmt.Errorf("%w: %s has no parts", ErrMalformedMessage, part.MediaType)
		}
		return part, nil
	}

	if gomessage.IsUnknownEncoding(entityErr) && p.logger != nil {
		p.logger.Warn("unknown transfer encoding, keeping raw body",
			"encoding", entity.Header.Get("Content-Transfer-Encoding"), "mediaType", part.MediaType)
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s body: %v", ErrMalformedMessage, part.MediaType, err)
	}

	if gomessage.IsUnknownCharset(entityErr) {
		body = p.decodeCharset(body, part.Charset)
	}
	part.Body = body
	return part, nil
}

func describe(entity *gomessage.Entity) *model.Part {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil {
		// go-message hands back the whole field value when a parameter
		// does not parse
		mediaType, params = looseContentType(entity.Header.Get("Content-Type"))
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if params == nil {
		params = map[string]string{}
	}
	mediaType = strings.ToLower(mediaType)

	disposition, _, err := entity.Header.ContentDisposition()
	if err != nil {
		disposition, _, _ = strings.Cut(disposition, ";")
		disposition = strings.TrimSpace(disposition)
	}

	ah := mail.AttachmentHeader{Header: entity.Header}
	filename, err := ah.Filename()
	if err != nil {
		filename = ""
	}
	if filename == "" {
		filename = looseParam(entity.Header.Get("Content-Disposition"), "filename")
	}
	if filename == "" {
		filename = looseParam(entity.Header.Get("Content-Type"), "name")
	}

	part := &model.Part{
		MediaType:   mediaType,
		Params:      params,
		Disposition: strings.ToLower(disposition),
		Filename:    filename,
	}
	if strings.HasPrefix(mediaType, "text/") {
		part.Charset = strings.ToLower(params["charset"])
	}
	return part
}

// looseContentType splits a Content-Type value that mime.ParseMediaType
// rejected, e.g. one with an unquoted space in a parameter.
func looseContentType(value string) (string, map[string]string) {
	mediaType, rest, _ := strings.Cut(value, ";")
	mediaType = strings.TrimSpace(mediaType)
	if !strings.Contains(mediaType, "/") {
		mediaType = ""
	}
	params := make(map[string]string)
	for _, field := range strings.Split(rest, ";") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return mediaType, params
}

func looseParam(value, key string) string {
	if value == "" {
		return ""
	}
	_, params := looseContentType(value)
	return params[key]
}

// decodeCharset converts text the go-message reader left untouched. Unknown
// labels keep the original bytes.
func (p *Parser) decodeCharset(body []byte, charset string) []byte {
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		if p.logger != nil {
			p.logger.Debug("unsupported charset, keeping raw text", "charset", charset)
		}
		return body
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return body
	}
	return decoded
}

// isRecoverable reports errors go-message returns alongside a usable entity.
func isRecoverable(err error) bool {
	return gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)
}

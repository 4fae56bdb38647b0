package attachment

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/mbox-dmarc/model"
)

var (
	ErrNoAttachment        = errors.New("no zip attachment")
	ErrAmbiguousAttachment = errors.New("more than one zip attachment")
)

// Selector picks the single archive attachment of a message.
type Selector struct {
	predicate *Predicate
	logger    *slog.Logger
}

func NewSelector(predicate *Predicate, logger *slog.Logger) (*Selector, error) {
	if predicate == nil {
		return nil, fmt.Errorf("attachment predicate must not be nil")
	}
	return &Selector{predicate: predicate, logger: logger}, nil
}

// Candidates returns every matching leaf in depth-first order.
func (s *Selector) Candidates(root *model.Part) []*model.Part {
	var found []*model.Part
	var walk func(p *model.Part)
	walk = func(p *model.Part) {
		if p == nil {
			return
		}
		if p.IsMultipart() {
			for _, child := range p.Children {
				walk(child)
			}
			return
		}
		if s.predicate.Matches(p) {
			found = append(found, p)
		}
	}
	walk(root)
	return found
}

// Select returns the only archive attachment under root.
func (s *Selector) Select(root *model.Part) (model.Attachment, error) {
	found := s.Candidates(root)

	switch len(found) {
	case 0:
		return model.Attachment{}, ErrNoAttachment
	case 1:
		p := found[0]
		if s.logger != nil {
			s.logger.Debug("attachment selected", "filename", p.Filename, "mediaType", p.MediaType, "size", len(p.Body))
		}
		return model.Attachment{Filename: p.Filename, MediaType: p.MediaType, Data: p.Body}, nil
	default:
		names := make([]string, 0, len(found))
		for _, p := range found {
			name := p.Filename
			if name == "" {
				name = "(" + p.MediaType + ")"
			}
			names = append(names, name)
		}
		return model.Attachment{}, fmt.Errorf("%w: %s", ErrAmbiguousAttachment, strings.Join(names, ", "))
	}
}

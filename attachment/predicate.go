package attachment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dhcgn/mbox-dmarc/model"
)

// DefaultMediaTypes are the zip media types seen on DMARC report mail.
var DefaultMediaTypes = []string{
	"application/zip",
	"application/x-zip",
	"application/x-zip-compressed",
}

// DefaultFilenamePatterns match zip attachments sent with a generic type.
var DefaultFilenamePatterns = []string{`(?i)\.zip$`}

// genericTypes are sniffed for zip content when the filename says nothing.
var genericTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"application/binary":       true,
}

// PredicateOptions configure which leaf parts count as archives.
type PredicateOptions struct {
	MediaTypes       []string
	FilenamePatterns []string
	// Sniff enables content detection for parts with a generic media type.
	Sniff bool
}

// DefaultPredicateOptions returns the zip-only configuration.
func DefaultPredicateOptions() PredicateOptions {
	return PredicateOptions{
		MediaTypes:       DefaultMediaTypes,
		FilenamePatterns: DefaultFilenamePatterns,
		Sniff:            true,
	}
}

// Predicate decides whether a leaf part is a zip archive attachment. The
// match is a heuristic over media type, filename and, for generic types,
// the payload's magic bytes.
type Predicate struct {
	mediaTypes map[string]bool
	filenames  []*regexp.Regexp
	sniff      bool
}

func NewPredicate(opts PredicateOptions) (*Predicate, error) {
	filenames, err := compilePatterns(opts.FilenamePatterns)
	if err != nil {
		return nil, fmt.Errorf("compile filename pattern: %w", err)
	}

	mediaTypes := make(map[string]bool, len(opts.MediaTypes))
	for _, mt := range opts.MediaTypes {
		mt = strings.ToLower(strings.TrimSpace(mt))
		if mt != "" {
			mediaTypes[mt] = true
		}
	}
	if len(mediaTypes) == 0 && len(filenames) == 0 && !opts.Sniff {
		return nil, fmt.Errorf("attachment predicate matches nothing")
	}

	return &Predicate{
		mediaTypes: mediaTypes,
		filenames:  filenames,
		sniff:      opts.Sniff,
	}, nil
}

// NewPredicateWithPatterns builds the default predicate with extra filename
// patterns added to the default ones.
func NewPredicateWithPatterns(extra []string) (*Predicate, error) {
	opts := DefaultPredicateOptions()
	opts.FilenamePatterns = append(append([]string{}, opts.FilenamePatterns...), extra...)
	return NewPredicate(opts)
}

// Matches reports whether part is an archive attachment.
func (p *Predicate) Matches(part *model.Part) bool {
	if part == nil || part.IsMultipart() || strings.HasPrefix(part.MediaType, "multipart/") {
		return false
	}
	if p.mediaTypes[part.MediaType] {
		return true
	}
	if part.Filename != "" && matchAny(p.filenames, part.Filename) {
		return true
	}
	if p.sniff && genericTypes[part.MediaType] && part.Filename == "" && len(part.Body) > 0 {
		return mimetype.Detect(part.Body).Is("application/zip")
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

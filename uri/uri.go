package uri

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/mbox-dmarc/model"
)

// ErrMalformedReference is returned for any input that cannot be turned into
// a store path and message ordinal.
var ErrMalformedReference = errors.New("malformed mail-store reference")

// Schemes accepted by Parse. mailbox is what Thunderbird puts on the
// clipboard when a message is dragged out of a folder view.
var Schemes = []string{"mailbox", "mailstore"}

const numberParam = "number"

// query delimiters as they may survive a trip through a shell; a literal
// "?" may also arrive backslash-escaped
var delimiters = []string{"?", "%3F", "%3f"}

// Parse resolves a reference such as mailbox:///home/me/Mail/Inbox?number=3.
func Parse(raw string) (model.Reference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.Reference{}, fmt.Errorf("%w: empty input", ErrMalformedReference)
	}

	rest, err := stripScheme(s)
	if err != nil {
		return model.Reference{}, err
	}

	rest, err = stripAuthority(rest)
	if err != nil {
		return model.Reference{}, err
	}

	rawPath, query, ok := splitQuery(rest)
	if !ok {
		return model.Reference{}, fmt.Errorf("%w: missing %q parameter in %q", ErrMalformedReference, numberParam, raw)
	}

	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return model.Reference{}, fmt.Errorf("%w: path %q: %v", ErrMalformedReference, rawPath, err)
	}
	if path == "" || path == "/" {
		return model.Reference{}, fmt.Errorf("%w: empty store path in %q", ErrMalformedReference, raw)
	}

	value := strings.TrimSpace(query.Get(numberParam))
	if value == "" {
		return model.Reference{}, fmt.Errorf("%w: empty %q parameter", ErrMalformedReference, numberParam)
	}
	// numbers past the int range saturate and fail later as out of range
	ordinal, err := strconv.ParseUint(value, 10, strconv.IntSize-1)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return model.Reference{}, fmt.Errorf("%w: %s=%q is not a message number", ErrMalformedReference, numberParam, value)
	}

	return model.Reference{
		Raw:       raw,
		StorePath: filepath.FromSlash(path),
		Ordinal:   int(ordinal),
	}, nil
}

func stripScheme(s string) (string, error) {
	idx := strings.Index(s, "://")
	if idx <= 0 {
		return "", fmt.Errorf("%w: no scheme in %q", ErrMalformedReference, s)
	}
	scheme := strings.ToLower(s[:idx])
	for _, known := range Schemes {
		if scheme == known {
			return s[idx+len("://"):], nil
		}
	}
	return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedReference, scheme)
}

// stripAuthority drops an empty or localhost authority. Anything else names a
// remote store.
func stripAuthority(rest string) (string, error) {
	if strings.HasPrefix(rest, "/") {
		return rest, nil
	}
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return "", fmt.Errorf("%w: no store path", ErrMalformedReference)
	}
	if host := rest[:slash]; !strings.EqualFold(host, "localhost") {
		return "", fmt.Errorf("%w: remote host %q is not supported", ErrMalformedReference, host)
	}
	return rest[slash:], nil
}

// splitQuery finds the last query delimiter whose remainder carries the
// number parameter. Folder names may legitimately contain the delimiter, so
// earlier candidates are tried when later ones do not parse.
func splitQuery(rest string) (string, url.Values, bool) {
	end := len(rest)
	for end > 0 {
		idx, width := lastDelimiter(rest[:end])
		if idx < 0 {
			return "", nil, false
		}
		if values, ok := parseQuery(rest[idx+width:]); ok {
			return strings.TrimSuffix(rest[:idx], "\\"), values, true
		}
		end = idx
	}
	return "", nil, false
}

func lastDelimiter(s string) (int, int) {
	best, width := -1, 0
	for _, d := range delimiters {
		if i := strings.LastIndex(s, d); i > best {
			best, width = i, len(d)
		}
	}
	return best, width
}

func parseQuery(q string) (url.Values, bool) {
	// a second level of escaping is common when the whole query was encoded
	if unescaped, err := url.QueryUnescape(q); err == nil && strings.Contains(strings.ToLower(q), "%3d") {
		q = unescaped
	}
	values, err := url.ParseQuery(q)
	if err != nil {
		return nil, false
	}
	if _, ok := values[numberParam]; !ok {
		return nil, false
	}
	return values, true
}

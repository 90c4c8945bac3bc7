package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

// MediaDescriptor is supplied entirely by the caller; Size is trusted.
type MediaDescriptor struct {
	ID       string
	Size     int64
	MimeType string
	FileName string
}

// ByteRange is the half-open window [Offset, Offset+Length).
type ByteRange struct {
	Offset int64
	Length int64
}

// End returns the inclusive last byte index. It is Offset-1 for an empty range.
func (r ByteRange) End() int64 {
	return r.Offset + r.Length - 1
}

// Request is the resolved unit of work for one HTTP request.
type Request struct {
	Media   MediaDescriptor
	Range   ByteRange
	Partial bool
}

// Params holds the raw, already URL-decoded query values.
type Params struct {
	FileID string
	Name   string
	Size   string
	Mime   string
}

type Header struct {
	Key   string
	Value string
}

// ParseRequest validates untrusted request input and resolves the byte window
// to serve. It performs no I/O.
//
// Only the single "bytes=start-end" and "bytes=start-" forms are accepted.
// Suffix ranges ("bytes=-N") and multi-range requests are rejected with
// ErrInvalidRange rather than approximated.
func ParseRequest(params Params, rangeHeader string) (*Request, error) {
	if params.FileID == "" {
		return nil, fmt.Errorf("%w: file_id is required", ErrInvalidRequest)
	}
	if params.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if params.Size == "" {
		return nil, fmt.Errorf("%w: size is required", ErrInvalidRequest)
	}
	size, ok := parseUint(params.Size)
	if !ok {
		return nil, fmt.Errorf("%w: size must be a non-negative integer", ErrInvalidRequest)
	}

	mimeType := strings.TrimSpace(params.Mime)
	if strings.ContainsFunc(mimeType, isControl) {
		return nil, fmt.Errorf("%w: mime contains control characters", ErrInvalidRequest)
	}
	if mimeType == "" {
		mimeType = detectContentType(params.Name)
	}

	req := &Request{
		Media: MediaDescriptor{
			ID:       params.FileID,
			Size:     size,
			MimeType: mimeType,
			FileName: params.Name,
		},
		Range: ByteRange{Offset: 0, Length: size},
	}

	if rangeHeader == "" {
		return req, nil
	}

	rng, err := parseRange(rangeHeader, size)
	if err != nil {
		return nil, err
	}
	req.Range = rng
	req.Partial = true
	return req, nil
}

func parseRange(header string, size int64) (ByteRange, error) {
	if size == 0 {
		return ByteRange{}, unsatisfiableRange(size, header, "media is empty")
	}

	value := strings.TrimSpace(header)
	unit, set, found := strings.Cut(value, "=")
	if !found || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return ByteRange{}, invalidRange(size, header, "unit must be bytes")
	}
	if strings.Contains(set, ",") {
		return ByteRange{}, invalidRange(size, header, "multiple ranges are not supported")
	}

	startStr, endStr, found := strings.Cut(strings.TrimSpace(set), "-")
	if !found {
		return ByteRange{}, invalidRange(size, header, "missing '-'")
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		if endStr == "" {
			return ByteRange{}, invalidRange(size, header, "empty range")
		}
		return ByteRange{}, invalidRange(size, header, "suffix ranges are not supported")
	}

	start, ok := parseUint(startStr)
	if !ok {
		return ByteRange{}, invalidRange(size, header, "malformed start")
	}

	end := size - 1
	if endStr != "" {
		end, ok = parseUint(endStr)
		if !ok {
			return ByteRange{}, invalidRange(size, header, "malformed end")
		}
	}

	switch {
	case start >= size:
		return ByteRange{}, unsatisfiableRange(size, header, "start beyond end of media")
	case end < start:
		return ByteRange{}, unsatisfiableRange(size, header, "end before start")
	case end >= size:
		return ByteRange{}, unsatisfiableRange(size, header, "end beyond end of media")
	}

	return ByteRange{Offset: start, Length: end - start + 1}, nil
}

// parseUint accepts plain decimal digits only, no sign.
func parseUint(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (r *Request) Status() int {
	if r.Partial {
		return fasthttp.StatusPartialContent
	}
	return fasthttp.StatusOK
}

func (r *Request) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Range.Offset, r.Range.End(), r.Media.Size)
}

// Headers lists the response headers for a successful response in the order
// they are written.
func (r *Request) Headers() []Header {
	headers := []Header{
		{Key: "Accept-Ranges", Value: "bytes"},
		{Key: "Content-Length", Value: strconv.FormatInt(r.Range.Length, 10)},
		{Key: "Content-Type", Value: r.Media.MimeType},
		{Key: "Content-Disposition", Value: contentDisposition(r.Media.FileName)},
	}
	if r.Partial {
		headers = append(headers, Header{Key: "Content-Range", Value: r.ContentRange()})
	}
	return headers
}

func contentDisposition(name string) string {
	return `attachment; filename="` + sanitizeFileName(name) + `"`
}

// sanitizeFileName removes characters that could break out of the quoted
// filename parameter or inject header lines.
func sanitizeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '"' || r == '\\':
			continue
		case isControl(r):
			continue
		}
		b.WriteRune(r)
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return "download"
	}
	return cleaned
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0) || r == '\u2028' || r == '\u2029'
}

func unsatisfiedContentRange(size int64) string {
	return "bytes */" + strconv.FormatInt(size, 10)
}

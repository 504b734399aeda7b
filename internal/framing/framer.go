package framing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrMalformed is returned for an unparseable start line, header line or
	// Content-Length value.
	ErrMalformed = errors.New("malformed http message")
	// ErrTruncated is returned when the stream closes before the message is complete.
	ErrTruncated = errors.New("truncated http message")
	// ErrTooLarge is returned when the header block or body exceeds the configured limits.
	ErrTooLarge = errors.New("http message too large")
)

const (
	DefaultMaxHeaderBytes = 1 << 20
	DefaultMaxBodyBytes   = 64 << 20
)

// Verbosity controls which parts of a framed message are logged at debug level.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	VerbosityStartLine
	VerbosityHeaders
	VerbosityBody
)

const crlf = "\r\n"

// Header is a single name/value pair as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Message is one framed HTTP request or response. Raw holds the exact bytes
// read off the stream; Body aliases its tail.
type Message struct {
	StartLine     string
	Headers       []Header
	ContentLength int
	Body          []byte
	Raw           []byte
}

// Framer reads complete HTTP/1.x messages delimited by the header block
// terminator and Content-Length.
type Framer struct {
	logger         *slog.Logger
	verbosity      Verbosity
	maxHeaderBytes int
	maxBodyBytes   int
}

type Option func(*Framer)

func WithVerbosity(v Verbosity) Option {
	return func(f *Framer) {
		f.verbosity = v
	}
}

// WithLimits bounds the header block and body sizes. Zero disables a limit.
func WithLimits(maxHeaderBytes, maxBodyBytes int) Option {
	return func(f *Framer) {
		f.maxHeaderBytes = maxHeaderBytes
		f.maxBodyBytes = maxBodyBytes
	}
}

func New(logger *slog.Logger, opts ...Option) *Framer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f := &Framer{
		logger:         logger,
		verbosity:      VerbosityNone,
		maxHeaderBytes: DefaultMaxHeaderBytes,
		maxBodyBytes:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// ReadMessage consumes exactly one message from r: start line, header lines up
// to and including the blank line, then Content-Length body bytes.
// It returns io.EOF unwrapped when the stream closes before the first byte.
func (f *Framer) ReadMessage(r *bufio.Reader) (*Message, error) {
	var (
		raw  []byte
		used int
		msg  Message
	)

	headerBudget := func() (int, error) {
		if f.maxHeaderBytes <= 0 {
			return 0, nil
		}
		remaining := f.maxHeaderBytes - used
		if remaining <= 0 {
			return 0, fmt.Errorf("%w: header block exceeds %d bytes", ErrTooLarge, f.maxHeaderBytes)
		}
		return remaining, nil
	}

	limit, _ := headerBudget()
	line, err := readLine(r, limit)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read start line: %w", err)
	}
	used += len(line)
	raw = append(raw, line...)

	msg.StartLine = strings.TrimRight(string(line), crlf)
	if msg.StartLine == "" || !strings.Contains(msg.StartLine, " ") {
		return nil, fmt.Errorf("%w: invalid start line %q", ErrMalformed, msg.StartLine)
	}
	if f.verbosity >= VerbosityStartLine {
		f.logger.Debug("http start line", slog.String("line", msg.StartLine))
	}

	for {
		limit, err := headerBudget()
		if err != nil {
			return nil, err
		}

		line, err := readLine(r, limit)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream closed inside header block", ErrTruncated)
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		used += len(line)
		raw = append(raw, line...)

		if string(line) == crlf {
			break
		}

		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line without separator %q", ErrMalformed, strings.TrimRight(string(line), crlf))
		}
		header := Header{
			Name:  name,
			Value: strings.TrimRight(strings.TrimLeft(value, " \t"), crlf),
		}
		msg.Headers = append(msg.Headers, header)

		if f.verbosity >= VerbosityHeaders {
			f.logger.Debug("http header", slog.String("name", header.Name), slog.String("value", header.Value))
		}

		if strings.EqualFold(name, "Content-Length") {
			n, err := parseContentLength(value)
			if err != nil {
				return nil, err
			}
			msg.ContentLength = n
		}
	}

	if f.maxBodyBytes > 0 && msg.ContentLength > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrTooLarge, msg.ContentLength, f.maxBodyBytes)
	}

	// The buffer grows with the bytes actually received, not the declared length.
	headerLen := len(raw)
	buf := bytes.NewBuffer(raw)
	if n, err := io.CopyN(buf, r, int64(msg.ContentLength)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: read %d of %d body bytes", ErrTruncated, n, msg.ContentLength)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	raw = buf.Bytes()

	msg.Raw = raw
	msg.Body = raw[headerLen:]

	if f.verbosity >= VerbosityBody && len(msg.Body) > 0 {
		if utf8.Valid(msg.Body) {
			f.logger.Debug("http body", slog.String("body", string(msg.Body)))
		} else {
			f.logger.Debug("unable to decode body", slog.Int("bytes", len(msg.Body)))
		}
	}

	return &msg, nil
}

// readLine reads up to and including the next '\n'. limit > 0 caps the line length.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if limit > 0 && len(line) > limit {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrTooLarge, limit)
		}

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: line ended without terminator", ErrTruncated)
		default:
			return nil, err
		}
	}
}

func parseContentLength(value string) (int, error) {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)

	n, err := strconv.ParseUint(stripped, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrMalformed, stripped)
	}

	return int(n), nil
}

// StatusCode extracts the numeric status from a response status line such as
// "HTTP/1.1 200 OK".
func StatusCode(startLine string) (int, bool) {
	fields := strings.Fields(startLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, false
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, false
	}

	return code, true
}

package httpconn

import (
	"errors"
	"strconv"
	"strings"

	"github.com/kfcemployee/goserver/internal/ipstats"
)

// Errors returned by the parser. Callers use errors.Is to classify.
var (
	errMalformed     = errors.New("httpconn: malformed request")
	errBodyTooLarge  = errors.New("httpconn: request body exceeds limit")
	errNeedMoreData  = errors.New("httpconn: incomplete, need more data")
)

// ErrMalformed reports a protocol error the caller should answer with 400.
func ErrMalformed(err error) bool { return errors.Is(err, errMalformed) }

// ErrBodyTooLarge reports an oversize Content-Length (413).
func ErrBodyTooLarge(err error) bool { return errors.Is(err, errBodyTooLarge) }

// lineStatus is the result of extracting one CRLF-terminated line.
type lineStatus int

const (
	lineOK lineStatus = iota
	lineOpen
	lineBad
)

const maxContentLength = 200 * 1024 * 1024

// ParseOutcome communicates what the caller should do after one Parse call.
type ParseOutcome int

const (
	// OutcomeNeedMore: not enough bytes yet; cursors left consistent for resume.
	OutcomeNeedMore ParseOutcome = iota
	// OutcomeComplete: a full request has been parsed; route it.
	OutcomeComplete
	// OutcomeBadRequest: malformed input; respond 400 and close.
	OutcomeBadRequest
	// OutcomeTooLarge: Content-Length exceeded the cap; respond 413 and close.
	OutcomeTooLarge
	// OutcomeExpectContinue: "Expect: 100-continue" was seen; write the
	// interim response, then keep parsing (headers are not yet complete).
	OutcomeExpectContinue
)

// Parse advances the state machine over bytes already in ReadBuf
// (ReadCursor already reflects the latest fill). It consumes from
// ParseCursor forward and returns as soon as it can report an outcome
// more specific than "need more data" — the parser never copies body
// bytes, downstream handlers slice ReadBuf directly via c.Body().
func (c *Conn) Parse() ParseOutcome {
	for {
		switch c.State {
		case StateRequestLine:
			ls, lineEnd := c.extractLine()
			switch ls {
			case lineOpen:
				return OutcomeNeedMore
			case lineBad:
				return OutcomeBadRequest
			}
			if !c.parseRequestLine(c.ParseCursor, lineEnd) {
				return OutcomeBadRequest
			}
			c.ParseCursor = lineEnd
			c.LineStart = lineEnd
			c.State = StateHeader

		case StateHeader:
			ls, lineEnd := c.extractLine()
			switch ls {
			case lineOpen:
				return OutcomeNeedMore
			case lineBad:
				return OutcomeBadRequest
			}

			// extractLine nulls the CRLF terminator in place; the
			// content of the line (excluding the nulled terminator) is
			// [ParseCursor:lineEnd-2). An empty line ends the section.
			raw := c.ReadBuf[c.ParseCursor : lineEnd-2]
			if len(raw) == 0 {
				c.ParseCursor = lineEnd
				c.LineStart = lineEnd
				if c.ContentLength == 0 {
					return OutcomeComplete
				}
				c.bodyStartAtParse = c.ParseCursor
				c.State = StateBody
				continue
			}

			outcome, ok := c.parseHeaderLine(raw)
			if !ok {
				return OutcomeBadRequest
			}
			c.ParseCursor = lineEnd
			c.LineStart = lineEnd
			if outcome == OutcomeExpectContinue {
				return OutcomeExpectContinue
			}
			if outcome == OutcomeTooLarge {
				return OutcomeTooLarge
			}

		case StateBody:
			need := c.bodyStartAtParse + c.ContentLength
			if c.ReadCursor < need {
				return OutcomeNeedMore
			}
			// null-terminate one byte past the body; ReadBuf always
			// carries the 4 KiB slack EnsureCapacity reserved for this.
			if need < len(c.ReadBuf) {
				c.ReadBuf[need] = 0
			}
			c.ParseCursor = need
			return OutcomeComplete
		}
	}
}

// extractLine scans forward from ParseCursor for a CRLF terminator,
// overwriting CR and LF with NUL in place (matching the reference
// parser's in-place line splitting), and returns the offset just past
// the (now-nulled) terminator.
func (c *Conn) extractLine() (lineStatus, int) {
	buf := c.ReadBuf
	i := c.ParseCursor
	for i < c.ReadCursor {
		if buf[i] == '\r' {
			if i+1 >= c.ReadCursor {
				return lineOpen, 0
			}
			if buf[i+1] != '\n' {
				return lineBad, 0
			}
			buf[i] = 0
			buf[i+1] = 0
			return lineOK, i + 2
		}
		if buf[i] == '\n' {
			// LF not preceded by CR is malformed.
			return lineBad, 0
		}
		i++
	}
	return lineOpen, 0
}

// parseRequestLine parses "METHOD SP URL SP VERSION" from
// ReadBuf[start:end) (end already past the nulled CRLF).
func (c *Conn) parseRequestLine(start, end int) bool {
	// end-2 is where the nulled CRLF begins; the textual line is [start:end-2).
	line := string(c.ReadBuf[start : end-2])

	sp1 := strings.IndexByte(line, ' ')
	if sp1 < 0 {
		return false
	}
	method := line[:sp1]
	rest := line[sp1+1:]

	sp2 := strings.IndexByte(rest, ' ')
	if sp2 < 0 {
		return false
	}
	url := rest[:sp2]
	version := rest[sp2+1:]

	switch method {
	case "GET":
		c.Method = MethodGet
	case "POST":
		c.Method = MethodPost
	default:
		return false
	}

	if version != "HTTP/1.1" {
		return false
	}
	c.Version = version

	url = stripSchemeAndAuthority(url)
	if url == "/" {
		url = "/index.html"
	}
	c.URL = url
	c.KeepAlive = true // HTTP/1.1 default; Connection: close overrides below via header parse
	return true
}

// stripSchemeAndAuthority reduces "http://host[:port]/path" or
// "https://host[:port]/path" down to "/path".
func stripSchemeAndAuthority(url string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(url, scheme) {
			rest := url[len(scheme):]
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				return rest[idx:]
			}
			return "/"
		}
	}
	return url
}

// parseHeaderLine parses one "Key: Value" header line and applies its
// side effects (Connection, Content-Length, Expect, Content-Type,
// Host, Cookie, X-Forwarded-For / CF-Connecting-IP).
func (c *Conn) parseHeaderLine(raw []byte) (ParseOutcome, bool) {
	line := string(raw)
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return 0, false
	}
	key := strings.TrimSpace(line[:colon])
	val := strings.TrimSpace(line[colon+1:])

	c.Headers = append(c.Headers, Header{Key: key, Value: val})

	switch strings.ToLower(key) {
	case "connection":
		c.KeepAlive = strings.EqualFold(val, "keep-alive")
	case "content-length":
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return 0, false
		}
		if n > maxContentLength {
			return OutcomeTooLarge, true
		}
		c.ContentLength = n
		if !c.EnsureCapacity(c.ParseCursor + 2 + n + 4096) {
			return OutcomeTooLarge, true
		}
	case "expect":
		if strings.EqualFold(val, "100-continue") {
			return OutcomeExpectContinue, true
		}
	case "content-type":
		c.parseContentType(val)
	case "host":
		c.Host = val
	case "cookie":
		c.Cookie = val
		c.Username = cookieValue(val, "ws_user")
	case "x-forwarded-for", "cf-connecting-ip":
		ip := ipstats.FirstForwardedIP(val)
		if ip != "" {
			c.ForwardedIP = ipstats.Normalize(ip)
		}
	}
	return 0, true
}

func (c *Conn) parseContentType(val string) {
	const marker = "boundary="
	idx := strings.Index(val, marker)
	if idx < 0 {
		return
	}
	b := val[idx+len(marker):]
	if semi := strings.IndexByte(b, ';'); semi >= 0 {
		b = b[:semi]
	}
	b = strings.Trim(b, `"`)
	c.Boundary = b
}

// cookieValue extracts the value of key from a raw "Cookie:" header value.
func cookieValue(cookie, key string) string {
	parts := strings.Split(cookie, ";")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		k, v, ok := strings.Cut(p, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

// Body returns the byte range of the parsed body, sliced directly from
// ReadBuf (zero-copy).
func (c *Conn) Body() []byte {
	if c.ContentLength == 0 {
		return nil
	}
	return c.ReadBuf[c.bodyStartAtParse : c.bodyStartAtParse+c.ContentLength]
}

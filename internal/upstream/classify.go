package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/nulpointcorp/claude-relay/internal/config"
)

// bodyPreviewLimit bounds how much of a response body is inspected for
// failure patterns.
const bodyPreviewLimit = 8 * 1024

// Classifier decides whether a failure qualifies for health counting.
// Authentication and validation errors do not qualify: retrying another
// provider will not help, so they are surfaced to the client verbatim.
//
// A Classifier is compiled once per snapshot and is safe for concurrent use.
type Classifier struct {
	codes      map[int]struct{}
	substrings []string // lowercased
	patterns   []*regexp.Regexp
}

// NewClassifier compiles the failure rules from the snapshot settings.
// Body patterns compile case-insensitively; a pattern that is not a valid
// regex degrades to a plain substring match instead of being dropped.
func NewClassifier(s *config.Settings) *Classifier {
	c := &Classifier{
		codes: make(map[int]struct{}, len(s.UnhealthyHTTPCodes)),
	}
	for _, code := range s.UnhealthyHTTPCodes {
		c.codes[code] = struct{}{}
	}
	for _, sub := range s.UnhealthyErrorTypes {
		c.substrings = append(c.substrings, strings.ToLower(sub))
	}
	for _, pat := range s.UnhealthyResponseBodyPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			c.substrings = append(c.substrings, strings.ToLower(pat))
			continue
		}
		c.patterns = append(c.patterns, re)
	}
	return c
}

// Status reports whether the HTTP status code qualifies.
func (c *Classifier) Status(code int) (string, bool) {
	if _, ok := c.codes[code]; ok {
		return fmt.Sprintf("http_%d", code), true
	}
	return "", false
}

// Body reports whether a response body preview matches a failure pattern.
func (c *Classifier) Body(preview []byte) (string, bool) {
	if len(preview) > bodyPreviewLimit {
		preview = preview[:bodyPreviewLimit]
	}
	text := strings.ToLower(string(preview))

	for _, sub := range c.substrings {
		if strings.Contains(text, sub) {
			return "body:" + sub, true
		}
	}
	for _, re := range c.patterns {
		if re.Match(preview) {
			return "body:" + re.String(), true
		}
	}
	return "", false
}

// Transport classifies an error from the HTTP round trip. Timeouts, TLS and
// DNS failures, refused and reset connections qualify; a context cancelled
// by the client does not.
func (c *Classifier) Transport(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) {
		return "", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns", true
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return "tls", true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"tls",
		"no such host",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return "transport", true
		}
	}

	// Unrecognized transport errors still qualify: the upstream did not
	// produce a response the client could use.
	return "transport", true
}

package warden

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// Request is an ergonomic, read-only view over incoming request data,
// handed to capability methods by the dispatcher.
type Request struct {
	event       *RequestHeadersEvent
	body        []byte
	parsedURL   *url.URL
	queryParams url.Values
}

// NewRequest creates a Request view from a decoded RequestHeadersEvent.
func NewRequest(event *RequestHeadersEvent, body []byte) *Request {
	parsedURL, _ := url.Parse(event.URI)
	return &Request{event: event, body: body, parsedURL: parsedURL}
}

// Metadata returns the request metadata.
func (r *Request) Metadata() *RequestMetadata {
	return &r.event.Metadata
}

// CorrelationID returns the correlation ID for request tracing.
func (r *Request) CorrelationID() string {
	return r.event.Metadata.CorrelationID
}

// ClientIP returns the client IP address.
func (r *Request) ClientIP() string {
	return r.event.Metadata.ClientIP
}

// Method returns the HTTP method.
func (r *Request) Method() string {
	return r.event.Method
}

// IsGet reports whether this is a GET request.
func (r *Request) IsGet() bool { return strings.EqualFold(r.event.Method, "GET") }

// IsPost reports whether this is a POST request.
func (r *Request) IsPost() bool { return strings.EqualFold(r.event.Method, "POST") }

// IsPut reports whether this is a PUT request.
func (r *Request) IsPut() bool { return strings.EqualFold(r.event.Method, "PUT") }

// IsDelete reports whether this is a DELETE request.
func (r *Request) IsDelete() bool { return strings.EqualFold(r.event.Method, "DELETE") }

// IsPatch reports whether this is a PATCH request.
func (r *Request) IsPatch() bool { return strings.EqualFold(r.event.Method, "PATCH") }

// URI returns the full URI including any query string.
func (r *Request) URI() string {
	return r.event.URI
}

// Path is an alias for URI, kept for symmetry with PathOnly.
func (r *Request) Path() string {
	return r.event.URI
}

// PathOnly returns the path portion of the URI, split on the first '?'.
func (r *Request) PathOnly() string {
	if r.parsedURL != nil {
		return r.parsedURL.Path
	}
	if idx := strings.IndexByte(r.event.URI, '?'); idx >= 0 {
		return r.event.URI[:idx]
	}
	return r.event.URI
}

// QueryString returns the raw (undecoded) query string, without the '?'.
func (r *Request) QueryString() string {
	if idx := strings.IndexByte(r.event.URI, '?'); idx >= 0 {
		return r.event.URI[idx+1:]
	}
	return ""
}

// parseQueryRaw parses a query string without translating '+' to space,
// per §4.4. url.Values from the standard library always does that
// translation, so pairs are decoded manually with url.PathUnescape.
func parseQueryRaw(raw string) url.Values {
	values := url.Values{}
	if raw == "" {
		return values
	}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		var key, val string
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			key, val = pair[:idx], pair[idx+1:]
		} else {
			key = pair
		}
		if dk, err := url.PathUnescape(key); err == nil {
			key = dk
		}
		if dv, err := url.PathUnescape(val); err == nil {
			val = dv
		}
		values[key] = append(values[key], val)
	}
	return values
}

func (r *Request) getQueryParams() url.Values {
	if r.queryParams == nil {
		r.queryParams = parseQueryRaw(r.QueryString())
	}
	return r.queryParams
}

// Query returns the first value of a query parameter.
func (r *Request) Query(name string) string {
	return r.getQueryParams().Get(name)
}

// QueryAll returns all values for a query parameter, in insertion order.
func (r *Request) QueryAll(name string) []string {
	values := r.getQueryParams()[name]
	if values == nil {
		return []string{}
	}
	return values
}

// PathStartsWith reports whether the path starts with the given prefix.
func (r *Request) PathStartsWith(prefix string) bool {
	return strings.HasPrefix(r.PathOnly(), prefix)
}

// PathEquals reports whether the path exactly matches.
func (r *Request) PathEquals(path string) bool {
	return r.PathOnly() == path
}

// Headers returns all request headers.
func (r *Request) Headers() map[string][]string {
	return r.event.Headers
}

// Header returns the first value of a header (case-insensitive lookup,
// case-preserving storage — the dispatcher never normalises names).
func (r *Request) Header(name string) string {
	nameLower := strings.ToLower(name)
	for key, values := range r.event.Headers {
		if strings.ToLower(key) == nameLower && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// HeaderAll returns all values for a header (case-insensitive).
func (r *Request) HeaderAll(name string) []string {
	nameLower := strings.ToLower(name)
	for key, values := range r.event.Headers {
		if strings.ToLower(key) == nameLower {
			return values
		}
	}
	return []string{}
}

// HasHeader reports whether a header is present (case-insensitive).
func (r *Request) HasHeader(name string) bool {
	nameLower := strings.ToLower(name)
	for key := range r.event.Headers {
		if strings.ToLower(key) == nameLower {
			return true
		}
	}
	return false
}

// Host returns the Host header value.
func (r *Request) Host() string { return r.Header("host") }

// UserAgent returns the User-Agent header value.
func (r *Request) UserAgent() string { return r.Header("user-agent") }

// ContentType returns the Content-Type header value.
func (r *Request) ContentType() string { return r.Header("content-type") }

// Authorization returns the Authorization header value.
func (r *Request) Authorization() string { return r.Header("authorization") }

// ContentLength returns the Content-Length header as an integer, or -1 if
// absent or unparsable.
func (r *Request) ContentLength() int {
	value := r.Header("content-length")
	if value == "" {
		return -1
	}
	length, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return length
}

func contentTypeContainsAny(ct string, substrs ...string) bool {
	ct = strings.ToLower(ct)
	for _, s := range substrs {
		if strings.Contains(ct, s) {
			return true
		}
	}
	return false
}

// IsJSON reports whether the content type indicates JSON.
func (r *Request) IsJSON() bool { return contentTypeContainsAny(r.ContentType(), "application/json") }

// IsHTML reports whether the content type indicates HTML.
func (r *Request) IsHTML() bool { return contentTypeContainsAny(r.ContentType(), "text/html") }

// IsForm reports whether the content type indicates a URL-encoded form body.
func (r *Request) IsForm() bool {
	return contentTypeContainsAny(r.ContentType(), "application/x-www-form-urlencoded")
}

// IsMultipart reports whether the content type indicates a multipart body.
func (r *Request) IsMultipart() bool {
	return contentTypeContainsAny(r.ContentType(), "multipart/form-data")
}

// IsImage reports whether the content type indicates an image body.
func (r *Request) IsImage() bool { return contentTypeContainsAny(r.ContentType(), "image/") }

// IsXML reports whether the content type indicates XML.
func (r *Request) IsXML() bool {
	return contentTypeContainsAny(r.ContentType(), "application/xml", "text/xml")
}

// IsJavaScript reports whether the content type indicates JavaScript.
func (r *Request) IsJavaScript() bool {
	return contentTypeContainsAny(r.ContentType(), "application/javascript", "text/javascript")
}

// Body returns the raw accumulated body bytes.
func (r *Request) Body() []byte {
	return r.body
}

// BodyString returns the body decoded as a UTF-8 string.
func (r *Request) BodyString() string {
	return string(r.body)
}

// BodyJSON unmarshals the body as JSON into dest.
func (r *Request) BodyJSON(dest interface{}) error {
	return json.Unmarshal(r.body, dest)
}

// WithBody returns a shallow copy of this Request carrying a different body.
func (r *Request) WithBody(body []byte) *Request {
	return &Request{event: r.event, body: body, parsedURL: r.parsedURL, queryParams: r.queryParams}
}

// String renders a short human-readable form for logging.
func (r *Request) String() string {
	return "Request(" + r.Method() + " " + r.Path() + ")"
}

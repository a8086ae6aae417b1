package warden

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Response is an ergonomic, read-only view over upstream response data.
type Response struct {
	event *ResponseHeadersEvent
	body  []byte
}

// NewResponse creates a Response view from a decoded ResponseHeadersEvent.
func NewResponse(event *ResponseHeadersEvent, body []byte) *Response {
	return &Response{event: event, body: body}
}

// CorrelationID returns the correlation ID for request tracing.
func (r *Response) CorrelationID() string {
	return r.event.CorrelationID
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int {
	return r.event.Status
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool { return r.event.Status >= 200 && r.event.Status < 300 }

// IsRedirect reports whether the status code is 3xx.
func (r *Response) IsRedirect() bool { return r.event.Status >= 300 && r.event.Status < 400 }

// IsClientError reports whether the status code is 4xx.
func (r *Response) IsClientError() bool { return r.event.Status >= 400 && r.event.Status < 500 }

// IsServerError reports whether the status code is 5xx.
func (r *Response) IsServerError() bool { return r.event.Status >= 500 && r.event.Status < 600 }

// IsError reports whether the status code is 4xx or 5xx.
func (r *Response) IsError() bool { return r.event.Status >= 400 }

// Headers returns all response headers.
func (r *Response) Headers() map[string][]string {
	return r.event.Headers
}

// Header returns the first value of a header (case-insensitive).
func (r *Response) Header(name string) string {
	nameLower := strings.ToLower(name)
	for key, values := range r.event.Headers {
		if strings.ToLower(key) == nameLower && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// HeaderAll returns all values for a header (case-insensitive).
func (r *Response) HeaderAll(name string) []string {
	nameLower := strings.ToLower(name)
	for key, values := range r.event.Headers {
		if strings.ToLower(key) == nameLower {
			return values
		}
	}
	return []string{}
}

// HasHeader reports whether a header is present (case-insensitive).
func (r *Response) HasHeader(name string) bool {
	nameLower := strings.ToLower(name)
	for key := range r.event.Headers {
		if strings.ToLower(key) == nameLower {
			return true
		}
	}
	return false
}

// ContentType returns the Content-Type header value.
func (r *Response) ContentType() string { return r.Header("content-type") }

// Location returns the Location header value (for redirects).
func (r *Response) Location() string { return r.Header("location") }

// ContentLength returns the Content-Length header as an integer, or -1 if
// absent or unparsable.
func (r *Response) ContentLength() int {
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

// IsJSON reports whether the content type indicates JSON.
func (r *Response) IsJSON() bool { return contentTypeContainsAny(r.ContentType(), "application/json") }

// IsHTML reports whether the content type indicates HTML.
func (r *Response) IsHTML() bool { return contentTypeContainsAny(r.ContentType(), "text/html") }

// IsForm reports whether the content type indicates a URL-encoded form body.
func (r *Response) IsForm() bool {
	return contentTypeContainsAny(r.ContentType(), "application/x-www-form-urlencoded")
}

// IsMultipart reports whether the content type indicates a multipart body.
func (r *Response) IsMultipart() bool {
	return contentTypeContainsAny(r.ContentType(), "multipart/form-data")
}

// IsImage reports whether the content type indicates an image body.
func (r *Response) IsImage() bool { return contentTypeContainsAny(r.ContentType(), "image/") }

// IsXML reports whether the content type indicates XML.
func (r *Response) IsXML() bool {
	return contentTypeContainsAny(r.ContentType(), "application/xml", "text/xml")
}

// IsJavaScript reports whether the content type indicates JavaScript.
func (r *Response) IsJavaScript() bool {
	return contentTypeContainsAny(r.ContentType(), "application/javascript", "text/javascript")
}

// Body returns the raw body bytes seen so far.
func (r *Response) Body() []byte {
	return r.body
}

// BodyString returns the body decoded as a UTF-8 string.
func (r *Response) BodyString() string {
	return string(r.body)
}

// BodyJSON unmarshals the body as JSON into dest.
func (r *Response) BodyJSON(dest interface{}) error {
	return json.Unmarshal(r.body, dest)
}

// WithBody returns a shallow copy of this Response carrying a different body.
func (r *Response) WithBody(body []byte) *Response {
	return &Response{event: r.event, body: body}
}

// String renders a short human-readable form for logging.
func (r *Response) String() string {
	return "Response(" + strconv.Itoa(r.StatusCode()) + ")"
}

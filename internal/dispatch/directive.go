package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// A DecodeError is returned when an MQTT payload is not a valid directive.
type DecodeError struct {
	msg string
	err error
}

func (e *DecodeError) Error() string {
	if e.err != nil {
		return "cannot decode directive: " + e.msg + ": " + e.err.Error()
	}
	return "cannot decode directive: " + e.msg
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

// An UnsupportedMethodError is returned for a directive with an HTTP method
// the dispatcher does not execute.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported method: %v", e.Method)
}

// A HostNotAllowedError is returned for a directive whose URL host is not in
// the configured allow-list.
type HostNotAllowedError struct {
	Host string
}

func (e *HostNotAllowedError) Error() string {
	return fmt.Sprintf("host not allowed: %v", e.Host)
}

// Directive is an instruction, received over MQTT, to perform an HTTP request.
type Directive struct {
	URL    string                     `json:"url"`
	Method string                     `json:"method"`
	Data   map[string]json.RawMessage `json:"data"`
}

// bodyMethods send Data as a JSON request body. Every other supported method
// sends it in the query string.
var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

var queryMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodDelete: true,
}

// Decode parses payload as a directive. The method is normalized to upper
// case and Data is never nil. When allowHosts is not empty, the URL host must
// match one of its entries.
func Decode(payload []byte, allowHosts []string) (*Directive, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, &DecodeError{msg: "payload is not a JSON object"}
	}

	var d Directive
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, &DecodeError{msg: "invalid JSON", err: err}
	}

	d.URL = strings.TrimSpace(d.URL)
	d.Method = strings.ToUpper(strings.TrimSpace(d.Method))
	if d.URL == "" {
		return nil, &DecodeError{msg: "missing url"}
	}
	if d.Method == "" {
		return nil, &DecodeError{msg: "missing method"}
	}
	if d.Data == nil {
		d.Data = map[string]json.RawMessage{}
	}

	if !bodyMethods[d.Method] && !queryMethods[d.Method] {
		return nil, &UnsupportedMethodError{Method: d.Method}
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &DecodeError{msg: "invalid url", err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &DecodeError{msg: fmt.Sprintf("unsupported url scheme '%v'", u.Scheme)}
	}
	if len(allowHosts) > 0 && !hostAllowed(u.Hostname(), allowHosts) {
		return nil, &HostNotAllowedError{Host: u.Hostname()}
	}

	return &d, nil
}

func hostAllowed(host string, allowHosts []string) bool {
	for _, h := range allowHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// Query returns Data encoded as query parameters. String values are used
// as-is; arrays contribute one parameter per element; null values are
// omitted; any other value is encoded as JSON.
func (d *Directive) Query() url.Values {
	query := url.Values{}
	for k, raw := range d.Data {
		if isNull(raw) {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil {
			for _, v := range list {
				query.Add(k, queryValue(v))
			}
			continue
		}
		query.Add(k, queryValue(raw))
	}
	return query
}

func queryValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if isNull(raw) {
		return ""
	}
	return string(bytes.TrimSpace(raw))
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// SendsBody reports whether Data is sent as a request body.
func (d *Directive) SendsBody() bool {
	return bodyMethods[d.Method]
}

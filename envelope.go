package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Stands in for header values that are not visible ASCII.
const invalidHeaderValue = "invalid_asci_value_set"

// envelope is the JSON document pushed to every socket on an endpoint.
type envelope struct {
	Headers  map[string]string `json:"headers"`
	Endpoint string            `json:"endpoint"`
	Data     string            `json:"data"`
}

// newEnvelope wraps a hook request. Header names are lower-cased and repeated
// values joined with ", ". A body that is not valid UTF-8 is sent as "".
func newEnvelope(r *http.Request, endpoint string, body []byte) envelope {
	headers := make(map[string]string, len(r.Header)+1)
	if r.Host != "" {
		headers["host"] = headerValue(r.Host)
	}
	for name, values := range r.Header {
		clean := make([]string, len(values))
		for i, v := range values {
			clean[i] = headerValue(v)
		}
		headers[strings.ToLower(name)] = strings.Join(clean, ", ")
	}

	data := ""
	if utf8.Valid(body) {
		data = string(body)
	}
	return envelope{
		Headers:  headers,
		Endpoint: endpoint,
		Data:     data,
	}
}

func (e envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func headerValue(v string) string {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\t' && (c < ' ' || c > '~') {
			return invalidHeaderValue
		}
	}
	return v
}

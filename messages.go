package agency

import "encoding/json"

// ErrorMessage is published on the error topic whenever an inbound directive
// cannot be decoded or executed.
type ErrorMessage struct {
	Error string `json:"error"`
}

// ResultMessage is published on the result topic after a directive has been
// executed. Source carries the original directive object as received and Data
// holds the decoded HTTP response body.
type ResultMessage struct {
	Source json.RawMessage `json:"source"`
	Data   json.RawMessage `json:"data"`
}

package api

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wetrill/tern/utils/json"
)

// HTTPError is a non-2xx REST response. Body is the raw response body; Code,
// Message and Errors are filled in when the body is Discord's JSON error
// object.
type HTTPError struct {
	Status  int      `json:"-"`
	Body    []byte   `json:"-"`
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Errors  json.Raw `json:"errors"`
}

func newHTTPError(status int, body []byte) HTTPError {
	httpErr := HTTPError{Status: status, Body: body}
	// Best effort; some error bodies are plain text.
	json.Unmarshal(body, &httpErr)
	return httpErr
}

func (err HTTPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Discord %d error", err.Status)

	if err.Message != "" {
		b.WriteString(": ")
		b.WriteString(err.Message)
	}

	if flat := FlattenErrors(err.Errors); len(flat) > 0 {
		paths := make([]string, 0, len(flat))
		for path := range flat {
			paths = append(paths, path)
		}
		sort.Strings(paths)

		b.WriteString(" (")
		for i, path := range paths {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(path + ": " + flat[path])
		}
		b.WriteString(")")
	}

	return b.String()
}

// Unauthorized is a 401 response.
type Unauthorized struct{ HTTPError }

// Forbidden is a 403 response.
type Forbidden struct{ HTTPError }

// NotFound is a 404 response.
type NotFound struct{ HTTPError }

// ServerError is a 5xx response that survived retrying.
type ServerError struct{ HTTPError }

func typedStatusError(status int, body []byte) error {
	httpErr := newHTTPError(status, body)

	switch status {
	case 401:
		return &Unauthorized{httpErr}
	case 403:
		return &Forbidden{httpErr}
	case 404:
		return &NotFound{httpErr}
	}
	if status >= 500 {
		return &ServerError{httpErr}
	}
	return &httpErr
}

// FlattenErrors flattens Discord's nested "errors" object into a map of
// slash-joined field paths to their messages. Only objects are descended
// into; each "_errors" array is recorded under the path of the object
// holding it.
func FlattenErrors(errs json.Raw) map[string]string {
	if len(errs) == 0 {
		return nil
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(errs, &tree); err != nil {
		return nil
	}

	flat := make(map[string]string)
	flattenInto(flat, "", tree)
	if len(flat) == 0 {
		return nil
	}
	return flat
}

func flattenInto(flat map[string]string, path string, node map[string]interface{}) {
	for key, value := range node {
		if key == "_errors" {
			if msg := joinErrorMessages(value); msg != "" {
				flat[path] = msg
			}
			continue
		}

		child, ok := value.(map[string]interface{})
		if !ok {
			continue
		}

		childPath := key
		if path != "" {
			childPath = path + "/" + key
		}
		flattenInto(flat, childPath, child)
	}
}

func joinErrorMessages(value interface{}) string {
	list, ok := value.([]interface{})
	if !ok {
		return ""
	}

	var msgs []string
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if msg, ok := obj["message"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return strings.Join(msgs, "; ")
}

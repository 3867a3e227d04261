package api

import (
	"strings"
	"testing"

	"github.com/wetrill/tern/utils/json"
)

func TestFlattenErrors(t *testing.T) {
	raw := json.Raw(`{
		"foo": {"_errors": [{"message": "x"}]},
		"embed": {
			"fields": {
				"0": {
					"name": {"_errors": [{"message": "too long"}, {"message": "bad"}]}
				}
			}
		},
		"scalar": 3
	}`)

	flat := FlattenErrors(raw)

	if got := flat["foo"]; got != "x" {
		t.Errorf("foo = %q", got)
	}
	if got := flat["embed/fields/0/name"]; got != "too long; bad" {
		t.Errorf("nested = %q", got)
	}
	if _, ok := flat["scalar"]; ok {
		t.Error("non-object leaf was recorded")
	}
	if len(flat) != 2 {
		t.Errorf("flat = %v", flat)
	}
}

func TestFlattenErrorsEmpty(t *testing.T) {
	if flat := FlattenErrors(nil); flat != nil {
		t.Error("flat =", flat)
	}
	if flat := FlattenErrors(json.Raw(`{}`)); flat != nil {
		t.Error("flat =", flat)
	}
	if flat := FlattenErrors(json.Raw(`not json`)); flat != nil {
		t.Error("flat =", flat)
	}
}

func TestTypedStatusError(t *testing.T) {
	body := []byte(`{"code": 50001, "message": "Missing Access"}`)

	if _, ok := typedStatusError(401, body).(*Unauthorized); !ok {
		t.Error("401 is not Unauthorized")
	}
	if _, ok := typedStatusError(403, body).(*Forbidden); !ok {
		t.Error("403 is not Forbidden")
	}
	if _, ok := typedStatusError(404, body).(*NotFound); !ok {
		t.Error("404 is not NotFound")
	}
	if _, ok := typedStatusError(503, body).(*ServerError); !ok {
		t.Error("503 is not ServerError")
	}
	if _, ok := typedStatusError(400, body).(*HTTPError); !ok {
		t.Error("400 is not a generic HTTPError")
	}
}

func TestHTTPErrorMessage(t *testing.T) {
	err := typedStatusError(403, []byte(`{
		"code": 50001,
		"message": "Missing Access",
		"errors": {"foo": {"_errors": [{"message": "x"}]}}
	}`))

	msg := err.Error()
	for _, want := range []string{"403", "Missing Access", "foo: x"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

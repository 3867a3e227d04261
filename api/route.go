package api

import (
	"net/url"
	"strings"
)

// majorParams are the path parameters that scope rate limits: two routes
// that differ only in a non-major parameter share a bucket, while a major
// parameter splits them.
var majorParams = map[string]bool{
	"guild_id":      true,
	"channel_id":    true,
	"webhook_id":    true,
	"webhook_token": true,
}

// Route is an immutable REST endpoint: a method, a path template with
// {name} placeholders, and the bound parameter values. Values are
// percent-encoded once at construction.
type Route struct {
	method string
	path   string
	names  []string
	values []string
}

// NewRoute binds params, given as alternating name/value pairs, to the path
// template. It panics on an odd number of pairs; routes are built from
// static call sites.
func NewRoute(method, path string, params ...string) Route {
	if len(params)%2 != 0 {
		panic("api: NewRoute params must be name/value pairs")
	}

	r := Route{
		method: method,
		path:   path,
		names:  make([]string, 0, len(params)/2),
		values: make([]string, 0, len(params)/2),
	}
	for i := 0; i < len(params); i += 2 {
		r.names = append(r.names, params[i])
		r.values = append(r.values, url.PathEscape(params[i+1]))
	}
	return r
}

// Method returns the HTTP method.
func (r Route) Method() string {
	return r.method
}

// FormattedURL substitutes every bound parameter into the path template.
func (r Route) FormattedURL() string {
	pairs := make([]string, 0, len(r.names)*2)
	for i, name := range r.names {
		pairs = append(pairs, "{"+name+"}", r.values[i])
	}
	return strings.NewReplacer(pairs...).Replace(r.path)
}

// LocalBucket substitutes only the major parameters, leaving the other
// placeholders textually intact. The result identifies the route's bucket
// before the server reveals a hash.
func (r Route) LocalBucket() string {
	pairs := make([]string, 0, len(r.names)*2)
	for i, name := range r.names {
		if majorParams[name] {
			pairs = append(pairs, "{"+name+"}", r.values[i])
		}
	}
	if len(pairs) == 0 {
		return r.path
	}
	return strings.NewReplacer(pairs...).Replace(r.path)
}

// Package httputil holds the JSON response helpers shared by the API and
// tracking handlers, plus the mapping from domain errors to status codes.
package httputil

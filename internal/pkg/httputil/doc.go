// Package httputil provides the JSON response helpers shared by the
// worker's HTTP handlers.
package httputil

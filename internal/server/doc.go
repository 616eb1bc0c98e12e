// Package server provides the HTTP middleware shared by the command API:
// request-ID propagation and bearer-token authentication.
package server

// Package api is the REST surface: chi routing, the middleware chain
// (correlation, access log, limits, auth) and the JSON error envelope.
package api

// Package client is the REST client used by the CLI: typed wrappers
// over the API routes that decode the error envelope back into the
// kinds the server produced.
package client

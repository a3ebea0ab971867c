// Package secrets provides the sink interface through which private
// keys and process secrets are stored, plus an encrypted file-backed
// implementation.
package secrets

// Package ca implements the per-cluster certificate authority:
// root CA lifecycle, server and client certificate issuance, CRL
// management and non-disruptive rotation with a trust-anchor overlap
// window.
package ca

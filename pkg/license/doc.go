// Package license validates the deployment license against an
// external service, caches the verdict with TTL and grace fallback,
// and enforces proxy-count quotas before admission.
package license

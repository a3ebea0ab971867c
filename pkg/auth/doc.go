// Package auth implements operator authentication (password + TOTP,
// JWT access tokens, single-use refresh tokens, lockout), cluster API
// keys with rotation overlap, proxy bearer tokens, and the RBAC check.
package auth

// Package token provides opaque capability tokens and their storage hashes.
//
// Invite tokens are handed out once in plain form and persisted only as a
// 64-char hex digest:
// - HMAC-SHA256(token, key) when a key is configured.
// - SHA-256(token) otherwise (dev mode).
//
// Lookups hash the presented token with the same Hasher and compare digests.
package token

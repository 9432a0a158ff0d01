// Package auth is the kernel's authentication core.
//
// It manages:
//   - Users, grouped into system-admin, system-users and system-read-only
//   - Credentials linking a user to an auth provider identity
//   - Refresh tokens (normal, system and long-lived), each with its own
//     random JWT signing key
//   - Short-lived HS256 access tokens minted from a refresh token
//
// Revoking a refresh token invalidates every access token derived from it,
// because validation looks the signing key up through the token's issuer.
//
// Everything is persisted through a storage.Store as the "auth" document.
// The Store keeps an in-memory copy for reads; every mutation saves a new
// copy before it becomes visible.
package auth

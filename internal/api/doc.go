// Package api implements the HTTP surface of the kernel.
//
// This package provides:
//   - The OAuth-style token endpoint (password and refresh_token grants, revocation)
//   - REST endpoints to read and write states, call services and fire events
//   - The WebSocket gateway mount point
//   - Health and Prometheus metrics endpoints
//   - Middleware stack (request ID, logging, recovery, CORS, bearer auth)
//
// # Security
//
// Every /api route except /api/health requires an access token in the
// Authorization header. Access tokens are minted by /auth/token and checked
// against their refresh token on every request, so revoking a refresh token
// locks its access tokens out immediately. The token endpoint is rate
// limited per client address.
package api

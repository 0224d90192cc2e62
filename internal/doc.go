// Package internal contains the core implementation packages for the
// playground build service.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - build: build ids, the single-slot build queue, the toolchain worker and
//     build metrics
//   - artifacts: the published build store and its size-bounded cleaner
//   - rsx: template literal extraction from user programs
//   - hotreload: template diffing and the hot reload coordinator
//   - share: short share codes backed by SQLite or GitHub gists
//   - server: HTTP routes, build sessions, rate limiting and security headers
//   - websocket: the preview hub that fans hot reload patches out to pages
//   - liveness: idle shutdown for scale-to-zero deployments
//   - watcher: debounced file system notifications
//   - config, errors, logging, middleware, validation, version: ambient
//     infrastructure shared by the packages above
//
// # Inter-Package Communication
//
//   - Sessions in server submit requests to the build queue and stream its
//     events back to the client
//   - The build worker publishes finished builds into the artifact store
//   - The cleaner evicts artifacts and stops in-flight builds of evicted ids
//   - Hot reload sessions publish patches to the preview hub by build id
//   - The template watcher refreshes the fingerprint that build ids derive from
//
// # Security Considerations
//
//   - The toolchain runs with a fixed argument list; user source only ever
//     lands in the scratch project
//   - Artifact and share paths are validated against traversal
//   - Build submissions and share writes are rate limited per client IP
//   - WebSocket and CORS origins are checked against configured patterns
package internal

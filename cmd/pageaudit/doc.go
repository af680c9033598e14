// Command pageaudit audits every page of one website and serves the results.
//
// Startup:
//   - Configuration comes from an optional file, PAGEAUDIT_* environment
//     variables and flags, in increasing precedence.
//   - The root URL is probed once; an unreachable target exits non-zero.
//   - --reload-benchmark drops the persisted benchmark index and
//     --reload-tests empties the result store before anything is served.
//
// Serving:
//   - The progress channel (default :3819) accepts WebSocket connections.
//     Each connection runs one audit session: calibrate, discover, then test
//     every page without a stored result. Sessions are serialized because the
//     browser is shared.
//   - The artifact API (default :3820) serves stored reports, scores,
//     filmstrips and screenshots, plus /healthz and /metrics.
//
// A calibration failure ends the process, as does SIGINT or SIGTERM.
package main

// Package audit holds the domain model shared by the audit pipeline: crawl
// targets, per-page reports, persisted cache entries, the content address used
// to key them, and the collaborator interfaces (audit engine, browser, result
// store) that the calibrator, discoverer, runner, and workflow depend on.
package audit

// Package crawler defines the domain model shared by the listing crawl
// pipeline: candidate references produced during discovery, the identities
// used to deduplicate them, the records produced by extraction, the job
// configuration and run snapshots, and the collaborator contracts (Revealer,
// Extractor, Store, ProgressSink) that the orchestrator drives.
//
// The package holds no behavior beyond small value helpers so that adapters
// (storage drivers, browsers, HTTP collectors) can depend on it without
// pulling in the orchestration logic.
package crawler

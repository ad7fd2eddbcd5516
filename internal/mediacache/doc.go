// Package mediacache materializes channel media payloads on local disk so the
// same payload is fetched at most once and replayed from disk on every
// subsequent send.
//
// Layout: one subdirectory per content kind plus a metadata.json sidecar
// mapping content-hash -> {reference, kind, path, filename, timestamps,
// use count}. The sidecar is rewritten atomically (write temp, rename) so a
// crash never truncates it.
//
// Retention: Sweep deletes entries whose creation AND last-use are both older
// than a threshold (long-tail default ~180 days) along with orphaned files;
// ForceSweep is the aggressive manual escape valve that removes anything
// unused within a shorter window.
package mediacache

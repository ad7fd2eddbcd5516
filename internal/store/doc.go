// Package store persists the bot's relational state in SQLite:
//
//   - Users: the directory of everyone who has talked to the bot, with
//     activity timestamps driving audience segmentation.
//   - Mailings: reusable broadcast message definitions with a draft/active/
//     archived/deleted lifecycle.
//   - Delivery records: one audit row per (mailing, recipient) send attempt.
//
// Records are validated at this boundary so callers never see a mailing with
// an inconsistent kind/media combination. Each write is its own transaction;
// a crash mid-broadcast loses at most the in-flight recipient's final state.
package store

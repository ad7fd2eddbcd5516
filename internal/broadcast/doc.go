// Package broadcast fans one mailing out to a resolved audience through the
// delivery channel, one recipient at a time, under a send-rate gate.
//
// Delivery semantics
//
// The engine is best-effort per recipient and all-or-nothing only at the
// batch boundary: a mailing that is missing or not active fails before any
// side effect, and an empty audience is success with zero sends. Once the
// loop starts, a single recipient's failure is recorded in its delivery
// record and the loop continues; the only way to stop a running broadcast is
// cancelling the context, which is checked between recipients.
//
// Progress
//
// Live progress is pushed to an optional sink (the operator chat) after every
// checkpoint and once after the last recipient; counts are monotonic. Run
// state is also kept in an in-memory registry for the ops surface, pruned by
// age and size so memory stays bounded.
package broadcast

// Package transport defines the delivery-channel contract the rest of the bot
// is written against.
//
// A Channel exposes one send primitive per content kind, message editing for
// live progress updates, and payload download for the media cache. Failures
// are classified into a small taxonomy so the broadcast loop can branch on
// them without inspecting channel-specific errors:
//
//   - ErrRecipientUnreachable: the recipient blocked or deleted the chat.
//     Permanent for this recipient, expected at scale, never worth a retry.
//   - ErrChannelRejected: malformed request or invalid media reference.
//     Permanent, not retried.
//   - RetryAfterError: the channel asked us to back off. Handled inside the
//     adapter (sleep + bounded retry) before it ever reaches a caller.
//
// Anything else is an unknown failure and treated as non-retryable for the
// recipient at hand.
package transport

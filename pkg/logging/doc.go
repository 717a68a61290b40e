// Package logging provides the shared logging facility for tether.
//
// It wraps log/slog with subsystem-tagged helpers so every log line carries
// a stable subsystem attribute that can be filtered on:
//
//	logging.Info("OAuth", "stored token for integration=%s", integrationID)
//
// Credentials must never be logged. When an identifier is useful for
// correlation but sensitive in full (state tokens, user IDs), pass it
// through TruncateID first:
//
//	logging.Debug("OAuth", "consumed state=%s", logging.TruncateID(state))
package logging

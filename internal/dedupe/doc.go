// Package dedupe remembers recently seen keys for a bounded time so that
// repeated deliveries of the same event are processed once.
package dedupe

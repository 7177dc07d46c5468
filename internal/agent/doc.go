// Package agent implements the offline agent: three lifecycle handlers
// (Install, Activate, HandleFetch) that receive their runtime capabilities as
// Deps, plus Host, which plays the part of the hosting runtime by sequencing
// lifecycle events, tracking controlled clients and dispatching fetches.
package agent

// Package scheduler turns cron and interval specs into task engine submissions.
//
// It only triggers: execution, retries and overlap gating belong to the engine.
package scheduler

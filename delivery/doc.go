// Package delivery sends outbound text messages through the session transport
// with validation, a hard timeout and a bounded retry loop.
//
// Each Send call is an independent pipeline; the manager keeps no outbox.
// Callers that need durability across restarts must keep their own.
package delivery

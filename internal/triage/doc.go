// Package triage provides the business boundary for deskhand's ticket triage
// pipeline. It defines the Service (lifecycle, async dispatch, retries), the
// Engine (the fixed classify, retrieve, draft, decide, execute sequence), the
// Store interfaces (persistence) and the domain models.
package triage

// Package domain defines the core business types for the MailShield
// threat-analysis pipeline.
//
// Types in this package are pure value objects with no behavior beyond
// validation, no database dependencies, and no HTTP concerns. They are the
// shared language between the ingest producer, the workers, and the store.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Pure derivation functions (risk tier, base risk) belong here
package domain

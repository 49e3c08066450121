// Package domain defines the core business types for the broadcast A/B
// experiment engine: tests, variants, assignments, and tracked events.
//
// Everything here is a pure value object. No database handles, no HTTP
// types, no context plumbing: the structs are the shared vocabulary of
// handlers, services, and repositories, nothing more.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - JSON/DB tags are allowed (metadata, not behavior)
//   - Validation helpers are allowed when they are pure functions
//   - Enums and their constants belong here
package domain

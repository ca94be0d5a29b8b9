// Package policy implements the enumerated guardrail checks applied to every
// intent: the native-asset engine, the USD-denominated engine and the content
// hashes that pin the policy and intent in force into the audit trail.
//
// Engines are stateless values built per request. Each check returns a
// *Violation or nil and never fails for a normal rejection; Enforce gathers
// every violation so callers always receive complete feedback.
package policy

// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (session.go, profile.go, stream.go, dashboard.go, errors.go)
// hold shared types and the contracts between the app layer and its adapters.
// No implementation code beyond small helpers on the types themselves.
package domain

// Package app provides the application service layer.
//
// Service owns one scope per dashboard session: it runs the profile-then-stream
// fetch sequence when a view mounts, drives the refresh Scheduler while the
// stream is live, and publishes every state change to connected views.
// Depends on domain interfaces, not concrete implementations.
package app

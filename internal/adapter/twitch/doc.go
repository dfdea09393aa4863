// Package twitch talks to the Twitch Helix API on behalf of signed-in users.
//
// Client issues one Helix request per call with the caller's bearer token and
// maps responses to domain types. Non-success responses become
// *domain.UpstreamError, network failures *domain.TransportError. A circuit
// breaker stops hammering Helix after repeated transport or 5xx failures.
package twitch

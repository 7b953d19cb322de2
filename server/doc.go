// Package server implements the relay's federation HTTP surface: the
// well-known discovery document, the signed-bundle inbox with its fail-closed
// verification chain, and the admin-authenticated internal send endpoint the
// upstream application calls to federate a Tez.
package server

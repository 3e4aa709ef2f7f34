// Package session owns the per-system sessions the engine creates when a
// remote system first announces itself.
//
// Ownership boundary:
// - system id -> session registry
// - variant-keyed factory that builds the session collaborator
// - the default vehicle collaborator
package session

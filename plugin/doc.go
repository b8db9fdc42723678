// Package plugin implements the handler registration and dispatch
// layer: plugins declare commands, functions, autocommands and raw RPC
// exports through an explicit builder API, and a Host binds those
// declarations to a live rpc.Session, enforcing the sync/async nesting
// policy and lazy plugin initialization.
//
// Declarations are metadata-only: building a Plugin never runs its
// initializer, so spec records can be extracted for the editor's
// manifest without executing plugin code.
package plugin

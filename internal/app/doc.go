// Package app is the facade over the key and session engine.
//
// NewWire builds the stores, services and relay client from Config; App
// routes every user-facing operation to them, converts errors into a typed
// Failure with a recommended recovery action and audits the outcome. Start
// runs the pre-key maintainer in the background while the vault is unlocked.
package app

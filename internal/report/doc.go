// Package report renders check outcomes for people and machines.
//
// Style tokens from package style are resolved to terminal styles only
// here, through a Theme. Nothing else in the module knows about colour.
// Machine-readable reports are encoded with MarshalCanonical so the same
// run always produces the same bytes.
package report

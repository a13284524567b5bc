// SPDX-License-Identifier: MPL-2.0

// Package issue provides the installer's error taxonomy and user-facing error helpers.
//
// Every failure produced by the transport, extraction and package layers is classified
// into one Kind (NotFound, Transient, Protocol, IO, Resource, Policy). The Kind decides
// where a failure is resolved: NotFound and Transient are handled locally by the layer
// that saw them, Protocol and IO end the current distribution or package, and Resource
// ends the whole run. ActionableError and the Markdown issue catalog turn those failures
// into messages with remediation steps for the operator.
package issue

// Package api defines the interfaces between the OAuth connection
// subsystem and the rest of the assistant backend. Implementations are
// registered at startup; consumers depend only on this package.
package api

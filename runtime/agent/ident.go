// Package agent provides strong type identifiers for runnable agents.
package agent

// Ident is the strong type for agent identifiers (e.g., "support.assistant").
// Runs record the Ident of the agent that produced them so nested runs and
// history queries can be attributed without mixing ids with free-form strings.
type Ident string

// String returns the identifier as a plain string.
func (i Ident) String() string { return string(i) }

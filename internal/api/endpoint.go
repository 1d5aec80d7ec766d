package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint defines both an HTTP route and its corresponding CLI command.
type Endpoint interface {
	// Route returns the HTTP method, path, and handler for this endpoint.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit reports whether the handler needs the session registry.
	RequiresInit() bool

	// Command returns a cobra command that calls this endpoint over HTTP, or
	// nil when the endpoint has no CLI form. getServerURL is evaluated when
	// the command runs.
	Command(getServerURL func() string) *cobra.Command
}

// Grouped endpoints place their command under a named parent such as
// "sessions" or "pages".
type Grouped interface {
	Group() string
}

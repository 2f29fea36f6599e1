// Package main is the entry point for the oauthd authorization server.
package main

import (
	"fmt"
	"os"

	"github.com/giantswarm/oauth-core/cmd/oauthd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

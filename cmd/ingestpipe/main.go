// Command ingestpipe drives the partner file ingestion pipeline: scanning
// input directories, running the Load/Parse/Validate/Upload/Report
// stages, and routing files between them. Grounded on
// brian-c-moore-etl-tool/cmd/etl-tool/main.go's thin entrypoint.
package main

import (
	"errors"
	"fmt"
	"os"

	"ingestpipe/internal/app"
	"ingestpipe/internal/logging"
)

func main() {
	runner := app.NewAppRunner()

	err := runner.Run(os.Args[1:])
	if err != nil {
		printUsage := errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) || errors.Is(err, app.ErrMissingArgs)
		if printUsage {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}

		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "ingestpipe failed: %v", err)

		os.Exit(1)
	}

	logging.Logf(logging.Info, "ingestpipe completed successfully.")
}

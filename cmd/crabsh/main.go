// Command crabsh is the job-execution wrapper invoked by cron in place of
// the real command. It reports START and FINISH (with exit status and
// captured output) to the crab daemon and exits with the child's code.
//
// Usage:
//
//	crabsh [-url URL] [-id CRABID] [-config FILE] command...
//
// The CRABID, CRABSHELL, CRABPIDFILE, CRABIGNORE and CRABECHO environment
// variables are honored, as are VAR=value prefixes embedded in the command
// string itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/manugarri/crab/internal/config"
	"github.com/manugarri/crab/internal/wrapper"
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8000", "crab daemon base URL")
		crabid     = flag.String("id", "", "stable job identifier (overrides CRABID)")
		configPath = flag.String("config", "", "optional INI configuration file")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "crabsh: no command given")
		os.Exit(wrapper.ExitStartupFailure)
	}

	opts := wrapper.Options{BaseURL: *baseURL}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "crabsh: %v\n", err)
			os.Exit(wrapper.ExitStartupFailure)
		}
		opts.AllowInhibit = cfg.Crabsh.AllowInhibit
		if cfg.Crab.BaseURL != "" && *baseURL == "http://localhost:8000" {
			opts.BaseURL = cfg.Crab.BaseURL
		}
	}
	opts.FromEnviron()
	if *crabid != "" {
		opts.Crabid = *crabid
	}

	command := strings.Join(flag.Args(), " ")
	os.Exit(wrapper.Run(context.Background(), opts, command))
}

package main

import (
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/regen"
)

type serveFlags struct {
	listen     string
	origin     string
	missPolicy string
	prebuild   string
	knownPaths []string
	db         string
}

func newServeCmd(opts *options, stdout io.Writer) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve pages over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(opts)
			if err != nil {
				return err
			}
			flags.apply(cmd, &config)

			server, err := regen.NewServer(cmd.Context(), config, log.Logger)
			if err != nil {
				return err
			}
			defer server.Close()
			return server.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Address to listen on (default \":8080\")")
	cmd.Flags().StringVar(&flags.origin, "origin", "", "Base URL of the upstream posts API")
	cmd.Flags().StringVar(&flags.missPolicy, "miss-policy", "", "What the first visitor of a missing page gets: blocking or placeholder")
	cmd.Flags().StringVar(&flags.prebuild, "prebuild", "", "Pages to build at startup: list, all or none")
	cmd.Flags().StringSliceVar(&flags.knownPaths, "known-paths", nil, "Keys to build at startup in list mode")
	cmd.Flags().StringVar(&flags.db, "db", "", "SQLite DB file name (use 'memory' for an in-memory db)")
	return cmd
}

// apply overrides config values with the flags set on the command line.
func (f *serveFlags) apply(cmd *cobra.Command, config *regen.FileConfig) {
	changed := cmd.Flags().Changed
	if changed("listen") {
		config.Listen = f.listen
	}
	if changed("origin") {
		config.Origin = f.origin
	}
	if changed("miss-policy") {
		config.MissPolicy = f.missPolicy
	}
	if changed("prebuild") {
		config.Prebuild = f.prebuild
	}
	if changed("known-paths") {
		config.KnownPaths = f.knownPaths
	}
	if changed("db") {
		config.Store.Driver = regen.StoreSQLite
		config.Store.DSN = f.db
		if f.db == "memory" {
			config.Store.DSN = ""
		}
	}
}

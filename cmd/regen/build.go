package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/regen"
	renderer "github.com/always-cache/regen/pkg/page-renderer"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

func newBuildCmd(opts *options) *cobra.Command {
	var (
		origin   string
		markdown bool
	)
	cmd := &cobra.Command{
		Use:   "build <key>...",
		Short: "Build pages once and write them to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("origin") {
				config.Origin = origin
			}
			config.MissPolicy = string(regen.Block)
			config.Prebuild = "none"

			server, err := regen.NewServer(cmd.Context(), config, log.Logger)
			if err != nil {
				return err
			}
			defer server.Close()

			var errs []error
			for _, arg := range args {
				resp := server.Dispatcher.Handle(cmd.Context(), routekey.Key(arg))
				if resp.Kind != regen.KindDocument {
					errs = append(errs, fmt.Errorf("%s: %s: %w", arg, resp.ErrorKind, resp.Err))
					continue
				}
				doc := resp.Artifact.Document
				if markdown {
					if doc, err = renderer.Markdown(doc); err != nil {
						errs = append(errs, err)
						continue
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", doc.Body)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "Base URL of the upstream posts API")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "Write markdown instead of HTML")
	return cmd
}

package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slim/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			info := version.Resolve()
			if asJSON {
				return json.NewEncoder(w).Encode(info)
			}
			rows := [][2]string{
				{"version", info.Version},
				{"commit", info.Commit},
				{"built", info.BuildTime},
				{"go", info.GoVersion},
			}
			for _, r := range rows {
				if r[1] != "" {
					_, _ = fmt.Fprintf(w, "%-8s %s\n", r[0]+":", r[1])
				}
			}
			return nil
		},
	}
}

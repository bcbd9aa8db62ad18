// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/bagger/config"
	"github.com/cardinalhq/bagger/internal/docsource"
	"github.com/cardinalhq/bagger/internal/router"
)

func init() {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the partition table each document would go to",
		Long: `Dry run: read newline-delimited JSON documents and print
"<partition>\t<line>" for each, or "!error\t<line>\t<message>" for documents
that cannot be routed. Nothing is written to the database.`,
		RunE: func(c *cobra.Command, _ []string) error {
			file, _ := c.Flags().GetString("file")
			dims, _ := c.Flags().GetString("dimensions")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			in := c.InOrStdin()
			name := "stdin"
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer func() {
					_ = f.Close()
				}()
				in, name = f, file
			}

			ctx, cancel := handleSignals(c.Context())
			defer cancel()

			r, closeFn, err := loadRouter(ctx, cfg, dims)
			if err != nil {
				return err
			}
			defer closeFn()

			return routeStream(ctx, r, docsource.NewStreamSource(name, in, 0), c.OutOrStdout())
		},
	}

	cmd.Flags().String("file", "", "Newline-delimited JSON file, stdin when empty or -")
	cmd.Flags().String("dimensions", "", "Comma-separated JSON Pointers, in ordinal order, used instead of the database")

	rootCmd.AddCommand(cmd)
}

func routeStream(ctx context.Context, r *router.Router, src docsource.Source, out io.Writer) error {
	return src.Run(ctx, func(ctx context.Context, docs []docsource.Document) error {
		for _, d := range docs {
			name, err := r.BuildPartitionName(ctx, d.Body)
			if err != nil {
				slog.Debug("Document cannot be routed", "offset", d.Offset, "error", err)
				if _, werr := fmt.Fprintf(out, "!error\t%d\t%v\n", d.Offset, err); werr != nil {
					return werr
				}
				continue
			}
			if _, err := fmt.Fprintf(out, "%s\t%d\n", name, d.Offset); err != nil {
				return err
			}
		}
		return nil
	})
}

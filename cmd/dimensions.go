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
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/bagger/config"
	"github.com/cardinalhq/bagger/internal/dimension"
)

func init() {
	cmd := &cobra.Command{
		Use:   "dimensions",
		Short: "Show the configured dimensions",
		RunE: func(c *cobra.Command, _ []string) error {
			dims, _ := c.Flags().GetString("dimensions")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			r, closeFn, err := loadRouter(c.Context(), cfg, dims)
			if err != nil {
				return err
			}
			defer closeFn()

			return printDimensions(c.OutOrStdout(), r.Dimensions())
		},
	}
	cmd.Flags().String("dimensions", "", "Comma-separated JSON Pointers to check instead of the database")

	rootCmd.AddCommand(cmd)
}

func printDimensions(out io.Writer, specs []dimension.Spec) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDINAL\tPOINTER\tSEGMENTS")
	for _, s := range specs {
		segs := make([]string, len(s.Pointer))
		for i, seg := range s.Pointer {
			segs[i] = strconv.Quote(seg)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Ordinal, s.Raw, strings.Join(segs, " "))
	}
	return w.Flush()
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"speedlog/internal/config"
	"speedlog/internal/reduce"
	"speedlog/internal/storage"
	"speedlog/pkg/logx"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

type ReduceCmd struct {
	views  []string
	format string
}

func NewReduceCmd() *ReduceCmd { return &ReduceCmd{} }

func (c *ReduceCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reduce",
		Short: "Render the configured dashboard views from stored history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.format != formatTable && c.format != formatJSON {
				return fmt.Errorf("invalid format: %s", c.format)
			}
			_, set, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			views, err := selectViews(set.Dashboard, c.views)
			if err != nil {
				return err
			}
			log := logx.NewConsole(set.Logging.Level)

			st, err := storage.Open(storage.Config{Driver: set.Storage.Driver, Path: set.Storage.Path}, log)
			if err != nil {
				return err
			}
			defer st.Close()
			recs, err := st.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load %s: %w", set.Storage.Path, err)
			}

			out := make([]reduce.View, 0, len(views))
			for _, v := range views {
				out = append(out, reduce.Build(recs, st.Order(), v, set.Dashboard, log))
			}
			w := cmd.OutOrStdout()
			if c.format == formatJSON {
				return reduce.RenderJSON(w, out)
			}
			for i, v := range out {
				if i > 0 {
					fmt.Fprintln(w)
				}
				reduce.RenderTable(w, v, set.Dashboard.Location)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&c.views, "view", nil, "view names to render (default: all configured views)")
	cmd.Flags().StringVarP(&c.format, "format", "f", formatTable, "output format: table or json")
	return cmd
}

func selectViews(d config.Dashboard, names []string) ([]config.View, error) {
	if len(names) == 0 {
		return d.Views, nil
	}
	out := make([]config.View, 0, len(names))
	for _, n := range names {
		v, ok := d.View(n)
		if !ok {
			return nil, fmt.Errorf("unknown view: %s", n)
		}
		out = append(out, v)
	}
	return out, nil
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"speedlog/internal/probe"
	"speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

type ProbeCmd struct {
	iface string
}

func NewProbeCmd() *ProbeCmd { return &ProbeCmd{} }

func (c *ProbeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one probe and print the record without storing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, set, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			log := logx.NewConsole(set.Logging.Level)

			iface := speedtest.Iface{ID: c.iface}
			for _, i := range set.Collector.Interfaces {
				if i.ID == c.iface {
					iface = i
					break
				}
			}

			tool, err := probe.NewTool(set.Collector)
			if err != nil {
				return err
			}
			r := probe.NewRunner(tool, probe.Options{
				MaxAttempts:  set.Collector.MaxAttempts,
				AttemptDelay: set.Collector.AttemptDelay,
				DumpDir:      set.Collector.DumpDir,
				Log:          log,
			})
			rec := r.Run(cmd.Context(), iface)

			b, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
	cmd.Flags().StringVarP(&c.iface, "interface", "i", speedtest.AllInterfaces, "interface to bind; empty runs without binding")
	return cmd
}

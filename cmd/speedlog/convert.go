package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"speedlog/internal/storage"
	"speedlog/pkg/logx"
)

type ConvertCmd struct {
	from, fromDriver string
	to, toDriver     string
}

func NewConvertCmd() *ConvertCmd { return &ConvertCmd{} }

func (c *ConvertCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Copy history between storage backends, oldest record first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.from == c.to && c.fromDriver == c.toDriver {
				return errors.New("source and destination are the same store")
			}
			log := logx.NewConsole("info")

			src, err := storage.Open(storage.Config{Driver: c.fromDriver, Path: c.from}, log)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer src.Close()
			dst, err := storage.Open(storage.Config{Driver: c.toDriver, Path: c.to}, log)
			if err != nil {
				return fmt.Errorf("open destination: %w", err)
			}

			n, err := storage.Convert(cmd.Context(), src, dst)
			if cerr := dst.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			log.Info("history converted",
				logx.Int("records", n),
				logx.String("from", c.fromDriver+":"+c.from),
				logx.String("to", c.toDriver+":"+c.to))
			return nil
		},
	}
	cmd.Flags().StringVar(&c.from, "from", "", "source store path")
	cmd.Flags().StringVar(&c.fromDriver, "from-driver", "json", "source driver: json, binlog or sqlite")
	cmd.Flags().StringVar(&c.to, "to", "", "destination store path")
	cmd.Flags().StringVar(&c.toDriver, "to-driver", "sqlite", "destination driver: json, binlog or sqlite")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

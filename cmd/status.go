package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/frandata/fddpipe/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <fdd-id>",
	Short: "Show an FDD's processing state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		fdd, err := st.GetFDD(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "fdd %s", id)
		}
		sections, err := st.ListSections(ctx, id)
		if err != nil {
			return eris.Wrap(err, "list sections")
		}
		findings, err := st.ListValidationErrors(ctx, "fdd", id)
		if err != nil {
			return eris.Wrap(err, "list findings")
		}

		out := struct {
			FDD      *model.FDD              `json:"fdd"`
			Sections []model.Section         `json:"sections,omitempty"`
			Findings []model.ValidationError `json:"findings,omitempty"`
		}{fdd, sections, findings}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/model"
)

var (
	bypassEntityType string
	bypassReason     string
	bypassCreatedBy  string
)

var bypassCmd = &cobra.Command{
	Use:   "bypass <entity-id>",
	Short: "Record a validation bypass for an FDD or section",
	Long: "Records an audited bypass so validation errors on the entity no longer block storage. " +
		"The reason must be one of the configured allowed reasons.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if !slices.Contains(cfg.Validation.BypassReasons, bypassReason) {
			return eris.Errorf("reason %q not allowed; one of: %s",
				bypassReason, strings.Join(cfg.Validation.BypassReasons, ", "))
		}
		if bypassEntityType != "fdd" && bypassEntityType != "section" {
			return eris.Errorf("entity type %q not allowed; fdd or section", bypassEntityType)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		b := &model.Bypass{
			ID:         uuid.NewString(),
			EntityID:   args[0],
			EntityType: bypassEntityType,
			Reason:     bypassReason,
			CreatedBy:  bypassCreatedBy,
			CreatedAt:  time.Now().UTC(),
		}
		if err := st.CreateBypass(ctx, b); err != nil {
			return eris.Wrap(err, "create bypass")
		}

		zap.L().Info("bypass recorded",
			zap.String("bypass_id", b.ID),
			zap.String("entity_type", b.EntityType),
			zap.String("entity_id", b.EntityID),
			zap.String("reason", b.Reason),
		)
		return nil
	},
}

func init() {
	bypassCmd.Flags().StringVar(&bypassEntityType, "entity-type", "section", "entity type: fdd or section")
	bypassCmd.Flags().StringVar(&bypassReason, "reason", "", "bypass reason (required)")
	bypassCmd.Flags().StringVar(&bypassCreatedBy, "by", "", "operator recording the bypass")
	_ = bypassCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(bypassCmd)
}

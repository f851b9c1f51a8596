package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/directory-submitter/internal/server"
)

func newReportCmd() *cobra.Command {
	var (
		format string
		store  bool
	)
	cmd := &cobra.Command{
		Use:   "report <job-id>",
		Short: "Exports a job's per-directory report",
		Long: `Renders the attempt report for a job as json, csv, or xlsx. The report is
written to stdout unless --store is set, in which case it is uploaded to the
configured blob store under storage.report_prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			format = strings.ToLower(format)
			if store {
				uri, err := appInstance.StoreReport(cmd.Context(), args[0], format)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), uri)
				return nil
			}
			return appInstance.WriteReport(cmd.Context(), args[0], format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", server.FormatJSON, "report format: json, csv, or xlsx")
	cmd.Flags().BoolVar(&store, "store", false, "upload the report to blob storage instead of printing it")
	return cmd
}

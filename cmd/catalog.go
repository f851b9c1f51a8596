package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/directory-submitter/internal/server"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manages the directory catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <workbook.xlsx>",
		Short: "Imports directories from a spreadsheet",
		Long: `Reads the first sheet of an xlsx workbook (name, website, category, domain
authority, login, captcha, submission URL) and upserts every valid row into the
configured catalog backend. Rejected rows are listed but do not fail the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.ImportDirectories(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "imported %d directories\n", len(res.Directories))
			for _, rowErr := range res.Errors {
				fmt.Fprintf(out, "row %d: %s\n", rowErr.Row, rowErr.Error)
			}
			return nil
		},
	})
	cmd.AddCommand(newCatalogAuditCmd())
	return cmd
}

func newCatalogAuditCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Checks every active directory's submission page",
		Long: `Loads the submission page of each active directory and reports its HTTP
status, whether it is accessible, the skip reason the classifier assigns, and a
checksum of the page so later audits can spot redesigned forms.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.AuditDirectories(cmd.Context(), strings.ToLower(format), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", server.FormatCSV, "report format: json, csv, or xlsx")
	return cmd
}

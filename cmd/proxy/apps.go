package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the configured repository servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, cfg, err := loadService()
		if err != nil {
			return err
		}
		defer service.Close()

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Name", "URL", "Auth", "User", "Page size"})

		for _, app := range service.Apps() {
			user := app.BasicUser
			if user == "" {
				user = app.TokenUser
			}
			t.AppendRow(table.Row{app.Name, app.URL, app.AuthKind(), user, app.PageSize})
		}

		tuning := service.Tuning()
		t.AppendFooter(table.Row{"local", cfg.Local.Name, "", "", cfg.Local.PageSize})
		t.SetCaption("always search local: %t, full stack on error: %t", tuning.AlwaysSearchLocal, tuning.FullStackOnError)
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(appsCmd)
}

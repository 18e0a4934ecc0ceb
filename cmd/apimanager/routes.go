package main

import (
	"github.com/spf13/cobra"

	"github.com/conduit-lang/apimanager/internal/cli/ui"
	"github.com/conduit-lang/apimanager/internal/config"
	"github.com/conduit-lang/apimanager/pkg/apimanager"
)

func newRoutesCmd(configPath *string) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the routes of every configured resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			registry, err := cfg.Registry()
			if err != nil {
				return err
			}

			// Routing needs no storage; nothing is served.
			m := apimanager.New(nil, apimanager.WithRegistry(registry))
			defer m.Close()
			for _, rc := range cfg.Resources {
				res, _ := registry.Get(rc.Name)
				if err := m.CreateAPI(apimanager.APIOptions{
					Resource:  res,
					Methods:   rc.AllowedMethods(),
					URLPrefix: cfg.Server.APIPrefix,
				}); err != nil {
					return err
				}
			}

			table := ui.NewTable(cmd.OutOrStdout(), []string{"METHOD", "PATH", "RESOURCE", "OPERATION"}, &ui.TableOptions{NoColor: noColor})
			table.StyleColumn(0, ui.MethodColor)
			for _, r := range m.Routes() {
				table.AddRow(r.Method, r.Pattern, r.Resource, r.Operation.String())
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

package cli

import (
	"github.com/spf13/cobra"

	"sitesmith/internal/services"
)

func newDomainsCmd(state *runtimeState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "Domain maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run the verification and certificate sweeps once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(state.cfg, state.log)
			if err != nil {
				return err
			}
			defer a.Close()

			verify, certs, err := a.scheduler.RunOnce(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), map[string]services.SweepResult{
				"verification": verify,
				"certificate":  certs,
			}); werr != nil {
				return werr
			}
			return err
		},
	})
	return cmd
}

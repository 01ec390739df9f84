package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"sitesmith/internal/models"
	"sitesmith/internal/services"
)

type generateOptions struct {
	customer   string
	session    string
	site       string
	configFile string
	assets     []string
}

func newGenerateCmd(state *runtimeState) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation pipeline in the foreground",
		Long: `Generate saves the wizard configuration (when --config is given), then runs
the template, build, deploy and domain stages synchronously and prints the
final task as JSON. Without --config the last saved configuration is used.`,
		Example: `  sitesmith generate --customer c-42 --session 9f1c2a7b33d4 --config wizard.json
  sitesmith generate --customer c-42 --session 9f1c2a7b33d4 --site bakery`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}

			a, err := newApp(state.cfg, state.log)
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.orch.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), task.View()); err != nil {
				return err
			}
			if task.Status != models.TaskCompleted {
				return fmt.Errorf("task %s finished as %s", task.ID, task.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.customer, "customer", "", "customer id (required)")
	cmd.Flags().StringVar(&opts.session, "session", "", "wizard session id (required)")
	cmd.Flags().StringVar(&opts.site, "site", "", "site id, defaults to site-<session prefix>")
	cmd.Flags().StringVar(&opts.configFile, "config", "", "wizard configuration JSON file")
	cmd.Flags().StringSliceVar(&opts.assets, "asset", nil, "asset URL to copy into the site, repeatable")
	_ = cmd.MarkFlagRequired("customer")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (o *generateOptions) request() (services.SubmitRequest, error) {
	req := services.SubmitRequest{
		CustomerID:      o.customer,
		WizardSessionID: o.session,
		SiteID:          o.site,
		AssetURLs:       o.assets,
	}
	if o.configFile == "" {
		return req, nil
	}
	raw, err := os.ReadFile(o.configFile)
	if err != nil {
		return req, fmt.Errorf("failed to read config file: %w", err)
	}
	if !json.Valid(raw) {
		return req, fmt.Errorf("config file %s is not valid JSON", o.configFile)
	}
	req.Config = raw
	return req, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

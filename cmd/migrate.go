package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/authn"
	"github.com/agentaudit/decision-audit/internal/config"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/progress"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Audit pack and dev-credential maintenance helpers",
}

var (
	exportFrom string
	exportTo   string
	exportOut  string
)

var exportPackCmd = &cobra.Command{
	Use:   "export-pack",
	Short: "Export an audit pack over a time range (spec §6 file format)",
	RunE: func(cmd *cobra.Command, args []string) error {
		reporter := progress.NewReporter()
		reporter.Start(4)

		reporter.Update(1, "loading config and opening database")
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		database, err := db.Open(cfg.StoreEndpoint)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		to := time.Now().UTC()
		if exportTo != "" {
			to, err = time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("parsing --to: %w", err)
			}
		}
		from := to.Add(-24 * time.Hour)
		if exportFrom != "" {
			from, err = time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("parsing --from: %w", err)
			}
		}

		reporter.Update(2, "exporting audit pack")
		auditSvc := audit.NewService(audit.NewStore(database), cfg.MerkleWindowSize)
		pack, err := auditSvc.ExportPack(cmd.Context(), from, to)
		if err != nil {
			return fmt.Errorf("exporting pack: %w", err)
		}

		reporter.Update(3, "encoding pack")
		b, err := json.MarshalIndent(pack, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding pack: %w", err)
		}

		reporter.Update(4, "writing output")
		defer reporter.Finish()

		if exportOut == "" || exportOut == "-" {
			fmt.Println(string(b))
			return nil
		}
		return os.WriteFile(exportOut, b, 0o644)
	},
}

var importIn string

var importPackCmd = &cobra.Command{
	Use:   "import-pack",
	Short: "Verify a previously exported audit pack's chain and top-level hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		if importIn == "" {
			return fmt.Errorf("--in is required")
		}

		reporter := progress.NewReporter()
		reporter.Start(3)
		defer reporter.Finish()

		reporter.Update(1, "reading pack file")
		b, err := os.ReadFile(importIn)
		if err != nil {
			return fmt.Errorf("reading pack: %w", err)
		}

		var pack audit.Pack
		if err := json.Unmarshal(b, &pack); err != nil {
			return fmt.Errorf("decoding pack: %w", err)
		}

		reporter.Update(2, "verifying chain continuity and pack hash")
		ok, err := audit.ImportPack(pack)
		if err != nil {
			return fmt.Errorf("verifying pack: %w", err)
		}

		reporter.Update(3, "done")
		if !ok {
			fmt.Fprintln(os.Stderr, "pack verification FAILED: chain continuity or pack hash mismatch")
			os.Exit(1)
		}
		fmt.Printf("pack %s verified: %d entries, chain intact\n", pack.ID, pack.Verification.TotalEntries)
		return nil
	},
}

var (
	issueSubject string
	issueRole    string
)

// issueTokenCmd mints a bearer token locally via internal/authn.Issuer.
// Production login is delegated to an external collaborator (spec §6);
// this exists for local development and CI, where that collaborator
// isn't reachable.
var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Mint a dev bearer token signed with the configured token_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if issueSubject == "" {
			return fmt.Errorf("--subject is required")
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.TokenSecret == "" {
			return fmt.Errorf("token_secret is unset in config")
		}

		role := issueRole
		if role == "" {
			role = "viewer"
		}
		issuer := authn.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenExpiry)
		token, err := issuer.Issue(issueSubject, role)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	exportPackCmd.Flags().StringVar(&exportFrom, "from", "", "RFC3339 range start (default: 24h before --to)")
	exportPackCmd.Flags().StringVar(&exportTo, "to", "", "RFC3339 range end (default: now)")
	exportPackCmd.Flags().StringVar(&exportOut, "out", "-", "output file path, or - for stdout")

	importPackCmd.Flags().StringVar(&importIn, "in", "", "pack file to verify")

	issueTokenCmd.Flags().StringVar(&issueSubject, "subject", "", "token subject")
	issueTokenCmd.Flags().StringVar(&issueRole, "role", "viewer", "token role claim")

	migrateCmd.AddCommand(exportPackCmd, importPackCmd, issueTokenCmd)
	rootCmd.AddCommand(migrateCmd)
}

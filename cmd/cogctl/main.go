package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vorion-labs/cognigate/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	authToken string
	cfgFile   string
	format    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cogctl",
	Short: "Cognigate operator CLI",
	Long: `cogctl is the command-line interface for a Cognigate governance server.

It submits trust signals, inspects scores and bands, runs pre-action gate
checks, manages containment, and verifies the proof ledger.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.cogctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if authToken == "" {
			authToken = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.cogctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Cognigate server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for write operations")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(containCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if authToken != "" {
		opts = append(opts, client.WithBearerToken(authToken))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── score ────────────────────────────────────────────────────────────────────

var scoreCmd = &cobra.Command{
	Use:   "score <entity-id>",
	Short: "Show an entity's trust score, components and band",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx := context.Background()

		rec, err := c.CurrentTrust(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get trust: %w", err)
		}
		status, err := c.BandStatus(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get band: %w", err)
		}

		if format == "json" {
			return printJSON(map[string]any{"record": rec, "band": status})
		}

		fmt.Printf("Entity:  %s\n", rec.EntityID)
		fmt.Printf("Score:   %.1f / 1000\n", rec.Score)
		fmt.Printf("Band:    %s (L%d, %.0f–%.0f)\n", status.Band.Name, status.Band.Level, status.Band.Min, status.Band.Max)
		fmt.Printf("Updated: %s\n", rec.LastCalculatedAt.Format(time.RFC3339))
		if rec.AcceleratedDecayActive {
			fmt.Println("Decay:   ACCELERATED (recent failure density above threshold)")
		}
		fmt.Printf("\nTo promotion: %.1f points\n", status.PointsToPromotion)
		fmt.Printf("To demotion:  %.1f points\n", status.PointsToDemotion)

		if len(rec.Components) > 0 {
			fmt.Println("\nComponents:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for name, v := range rec.Components {
				fmt.Fprintf(w, "  %s\t%.3f\n", name, v)
			}
			w.Flush()
		}
		return nil
	},
}

// ── signal ───────────────────────────────────────────────────────────────────

var signalSource string

var signalCmd = &cobra.Command{
	Use:   "signal <entity-id> <type> <value>",
	Short: "Submit a trust signal (value in [0,1])",
	Long: `Submit a trust signal for an entity.

Signal types use the dotted taxonomy, e.g.:

  cogctl signal agent-7 behavioral.task_completion 1.0
  cogctl signal agent-7 security.anomaly 0.1 --source anomaly-detector`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("value %q is not a number", args[2])
		}

		c := newClient()
		rec, err := c.RecordSignal(context.Background(), client.Signal{
			EntityID: args[0],
			Type:     args[1],
			Value:    value,
			Source:   signalSource,
		})
		if err != nil {
			return fmt.Errorf("record signal: %w", err)
		}

		if format == "json" {
			return printJSON(rec)
		}
		fmt.Printf("✓ Signal recorded\n\n")
		fmt.Printf("  Entity: %s\n", rec.EntityID)
		fmt.Printf("  Score:  %.1f (L%d)\n", rec.Score, rec.Level)
		return nil
	},
}

func init() {
	signalCmd.Flags().StringVar(&signalSource, "source", "cogctl", "Signal source identifier")
}

// ── check ────────────────────────────────────────────────────────────────────

var (
	checkEntity        string
	checkAction        string
	checkSensitivity   string
	checkReversibility string
	checkMagnitude     float64
	checkCorrelation   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a pre-action gate check",
	Long: `Run a full gate evaluation. The decision is recorded in the proof ledger.

  cogctl check --entity agent-7 --action delete --sensitivity confidential \
      --reversibility irreversible --magnitude 50000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		dec, err := c.CheckAction(context.Background(), client.GateCheck{
			EntityID:      checkEntity,
			CorrelationID: checkCorrelation,
			Action:        checkAction,
			Sensitivity:   checkSensitivity,
			Reversibility: checkReversibility,
			Magnitude:     checkMagnitude,
		})
		if err != nil {
			return fmt.Errorf("gate check: %w", err)
		}

		if format == "json" {
			return printJSON(dec)
		}

		verdict := "DENIED"
		if dec.Allowed {
			verdict = "ALLOWED"
		}
		fmt.Printf("%s  (%s risk)\n\n", verdict, dec.RiskLevel)
		fmt.Printf("  Band:            %s (L%d)\n", dec.EntityBand.Name, dec.EntityBand.Level)
		fmt.Printf("  Verification:    %v\n", dec.RequiresVerification)
		fmt.Printf("  Human approval:  %v\n", dec.RequiresHumanApproval)
		if len(dec.Explanation) > 0 {
			fmt.Println("\nExplanation:")
			for _, line := range dec.Explanation {
				fmt.Printf("  - %s\n", line)
			}
		}
		if !dec.Allowed {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkEntity, "entity", "", "Entity ID to check")
	checkCmd.Flags().StringVar(&checkAction, "action", "", "Action type (read, write, delete, execute, communicate, transfer)")
	checkCmd.Flags().StringVar(&checkSensitivity, "sensitivity", "public", "Data sensitivity (public, internal, confidential, restricted)")
	checkCmd.Flags().StringVar(&checkReversibility, "reversibility", "reversible", "Reversibility (reversible, partial, irreversible)")
	checkCmd.Flags().Float64Var(&checkMagnitude, "magnitude", 0, "Action magnitude (rows, dollars, recipients)")
	checkCmd.Flags().StringVar(&checkCorrelation, "correlation", "", "Correlation ID for ledger queries")

	_ = checkCmd.MarkFlagRequired("entity")
	_ = checkCmd.MarkFlagRequired("action")
}

// ── contain ──────────────────────────────────────────────────────────────────

var (
	containLevel    string
	containReason   string
	containDuration string
	containForce    bool
)

var containCmd = &cobra.Command{
	Use:   "contain <entity-id>",
	Short: "Apply a containment level to an entity",
	Long: `Apply a containment level. Forced transitions bypass the debounce interval
and require an admin token.

  cogctl contain agent-7 --level tool_restricted --reason "repeated failures"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		res, err := c.Contain(context.Background(), client.ContainRequest{
			EntityID:  args[0],
			Level:     containLevel,
			Reason:    containReason,
			Duration:  containDuration,
			Initiator: "cogctl",
			Force:     containForce,
		})
		if err != nil {
			return fmt.Errorf("contain: %w", err)
		}

		if format == "json" {
			return printJSON(res)
		}

		if !res.Changed {
			fmt.Println("No transition applied.")
		} else {
			fmt.Printf("✓ Containment applied: %s → %s\n", res.PreviousLevel, res.NewLevel)
		}
		for _, warn := range res.Warnings {
			fmt.Printf("  warning: %s\n", warn)
		}
		return nil
	},
}

func init() {
	containCmd.Flags().StringVar(&containLevel, "level", "", "Target level (full_autonomy … halted)")
	containCmd.Flags().StringVar(&containReason, "reason", "", "Reason for the transition")
	containCmd.Flags().StringVar(&containDuration, "duration", "", "Optional expiry, e.g. 2h")
	containCmd.Flags().BoolVar(&containForce, "force", false, "Bypass the debounce interval (admin only)")

	_ = containCmd.MarkFlagRequired("level")
	_ = containCmd.MarkFlagRequired("reason")
}

// ── ledger ───────────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the proof ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the full hash chain (admin only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		res, err := c.VerifyLedger(context.Background())
		if err != nil {
			return fmt.Errorf("verify ledger: %w", err)
		}

		if format == "json" {
			return printJSON(res)
		}

		if res.Valid {
			fmt.Printf("✓ Chain intact (%d events checked)\n", res.Checked)
			return nil
		}
		fmt.Printf("✗ Chain BROKEN at index %d (%d events checked)\n", res.FirstBroken, res.Checked)
		fmt.Printf("  invalid indexes: %v\n", res.InvalidIndexes)
		os.Exit(1)
		return nil
	},
}

var (
	tailCount  int
	tailAgent  string
	tailTypes  string
	tailCorrel string
)

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent proof events",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		q := client.EventQuery{
			AgentID:       tailAgent,
			CorrelationID: tailCorrel,
			Limit:         tailCount,
			Descending:    true,
			OmitPayload:   true,
		}
		if tailTypes != "" {
			q.Types = strings.Split(tailTypes, ",")
		}

		page, err := c.LedgerEvents(context.Background(), q)
		if err != nil {
			return fmt.Errorf("query ledger: %w", err)
		}

		if format == "json" {
			return printJSON(page)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OCCURRED\tTYPE\tAGENT\tHASH")
		for _, e := range page.Events {
			hash := e.EventHash
			if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				e.OccurredAt.Format(time.RFC3339), e.EventType, e.AgentID, hash)
		}
		w.Flush()
		fmt.Printf("\n%d of %d events", len(page.Events), page.TotalCount)
		if page.HasMore {
			fmt.Print(" (more available)")
		}
		fmt.Println()
		return nil
	},
}

func init() {
	ledgerTailCmd.Flags().IntVarP(&tailCount, "count", "n", 20, "Number of events to show")
	ledgerTailCmd.Flags().StringVar(&tailAgent, "agent", "", "Filter by agent ID")
	ledgerTailCmd.Flags().StringVar(&tailTypes, "types", "", "Comma-separated event types")
	ledgerTailCmd.Flags().StringVar(&tailCorrel, "correlation", "", "Filter by correlation ID")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cogctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cogctl %s (Cognigate)\n", version)
	},
}

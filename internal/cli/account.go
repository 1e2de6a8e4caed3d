package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/credence-ai/credence/internal/app/ledger"
	"github.com/credence-ai/credence/internal/daemon"
	"github.com/credence-ai/credence/internal/infra/sqlite"
)

// ─── Account Administration ─────────────────────────────────────────────────
// These commands open the data directory directly, so they are meant for
// local administration while the service is stopped or for bootstrapping.

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountBalanceCmd)
	accountCmd.AddCommand(accountLedgerCmd)

	accountCreateCmd.Flags().Int64("credits", 10, "Starting credit balance")
	accountLedgerCmd.Flags().Int("limit", 20, "Number of entries to show")
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage principal accounts",
}

func openLedger() (*ledger.Ledger, *sqlite.DB, error) {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(cfg.Data.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store at %s: %w", cfg.Data.Dir, err)
	}
	return ledger.New(ledger.DefaultConfig(), db, zap.NewNop()), db, nil
}

// ─── account create ─────────────────────────────────────────────────────────

var accountCreateCmd = &cobra.Command{
	Use:   "create PRINCIPAL_ID",
	Short: "Create a principal account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountCreate,
}

func runAccountCreate(cmd *cobra.Command, args []string) error {
	credits, _ := cmd.Flags().GetInt64("credits")

	lg, db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := lg.CreatePrincipal(args[0], credits); err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	balance, err := lg.Balance(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Account %q ready with %d credits.\n", args[0], balance)
	return nil
}

// ─── account balance ────────────────────────────────────────────────────────

var accountBalanceCmd = &cobra.Command{
	Use:   "balance PRINCIPAL_ID",
	Short: "Show a principal's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountBalance,
}

func runAccountBalance(cmd *cobra.Command, args []string) error {
	lg, db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	balance, err := lg.Balance(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d\n", balance)
	return nil
}

// ─── account ledger ─────────────────────────────────────────────────────────

var accountLedgerCmd = &cobra.Command{
	Use:   "ledger PRINCIPAL_ID",
	Short: "Show a principal's recent ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountLedger,
}

func runAccountLedger(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	lg, db, err := openLedger()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := lg.Entries(args[0], limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "No ledger entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSIDE\tAMOUNT\tBALANCE\tJOB")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Type, e.EntryType, e.Amount, e.Balance, e.JobID)
	}
	return w.Flush()
}

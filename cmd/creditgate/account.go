package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditgate"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage ledger accounts",
}

var (
	openTier    string
	openUpgrade bool
)

var accountOpenCmd = &cobra.Command{
	Use:   "open <account-id> <opening-balance>",
	Short: "Open an account with an opening balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		tier, err := creditgate.ParseAccountTier(openTier)
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		acct := creditgate.Account{
			ID:           args[0],
			Balance:      amount,
			Tier:         tier,
			UpgradeOptIn: openUpgrade,
			CreatedAt:    time.Now().UTC(),
		}
		if err := a.ledger.OpenAccount(cmd.Context(), acct); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "opened %s (%s) with %d credits\n", acct.ID, acct.Tier, acct.Balance)
		return nil
	},
}

var creditReason string

var accountCreditCmd = &cobra.Command{
	Use:   "credit <account-id> <amount>",
	Short: "Top up an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		// Top-ups carry a fresh id so they are never mistaken for a settlement.
		if _, err := a.ledger.Credit(cmd.Context(), args[0], amount, "topup-"+uuid.NewString(), creditReason); err != nil {
			return err
		}
		bal, err := a.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "credited %d to %s, balance %d\n", amount, args[0], bal)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		bal, err := a.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), bal)
		return nil
	},
}

var historyFrom, historyTo string

var historyCmd = &cobra.Command{
	Use:   "history <account-id>",
	Short: "Print an account's transactions as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseFlagTime(historyFrom)
		if err != nil {
			return err
		}
		to, err := parseFlagTime(historyTo)
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		txs, err := a.ledger.History(cmd.Context(), args[0], from, to)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, tx := range txs {
			if err := enc.Encode(tx); err != nil {
				return err
			}
		}
		if len(txs) == 0 {
			fmt.Fprintln(os.Stderr, "no transactions in range")
		}
		return nil
	},
}

func init() {
	accountOpenCmd.Flags().StringVar(&openTier, "tier", string(creditgate.AccountBasic), "account tier (basic, standard, premium, elite)")
	accountOpenCmd.Flags().BoolVar(&openUpgrade, "upgrade-opt-in", false, "allow routing to higher quality tiers when the requested tier is unavailable")
	accountCreditCmd.Flags().StringVar(&creditReason, "reason", creditgate.ReasonTopUp, "reason recorded on the transaction")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "start of range, RFC3339 (inclusive)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "end of range, RFC3339 (exclusive)")
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("amount must be a non-negative integer, got %q", s)
	}
	return n, nil
}

func parseFlagTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}

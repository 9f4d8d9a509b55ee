package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/notify"
	"github.com/stocker/trade-engine/internal/trade"
)

func newAccountCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Open and inspect accounts",
	}
	cmd.AddCommand(newAccountOpenCmd(rc), newAccountShowCmd(rc))
	return cmd
}

func newAccountOpenCmd(rc *rootConfig) *cobra.Command {
	var balance string

	cmd := &cobra.Command{
		Use:   "open [user-id]",
		Short: "Open an account (a user ID is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			userID := uuid.NewString()
			if len(args) == 1 {
				userID = args[0]
			}
			amount := e.cfg.Trading.StartingBalanceAmount()
			if balance != "" {
				var err error
				if amount, err = decimal.NewFromString(balance); err != nil {
					return fmt.Errorf("bad --balance: %w", err)
				}
			}

			a, err := e.engine.OpenAccount(cmd.Context(), userID, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opened %s with %s\n", a.UserID, notify.USD(a.CashBalance))
			return nil
		}),
	}
	cmd.Flags().StringVar(&balance, "balance", "", "starting cash (default from config)")
	return cmd
}

func newAccountShowCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show an account's cash balance",
		Args:  cobra.ExactArgs(1),
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			a, err := e.engine.Account(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user:     %s\n", a.UserID)
			fmt.Fprintf(out, "cash:     %s\n", notify.USD(a.CashBalance))
			fmt.Fprintf(out, "starting: %s\n", notify.USD(a.StartingBalance))
			fmt.Fprintf(out, "opened:   %s\n", a.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		}),
	}
}

// newOrderCmd builds the buy or sell command.
func newOrderCmd(rc *rootConfig, side string) *cobra.Command {
	return &cobra.Command{
		Use:   side + " <user-id> <symbol> <quantity>",
		Short: "Place a market " + side + " order at the current quote",
		Args:  cobra.ExactArgs(3),
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			qty, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: quantity %q is not a whole number", trade.ErrInvalidOrder, args[2])
			}

			res, err := e.engine.Submit(cmd.Context(), trade.Order{
				UserID:   args[0],
				Symbol:   args[1],
				Side:     model.Side(side),
				Quantity: qty,
			})
			if err != nil {
				var sf *trade.ShortfallError
				if errors.As(err, &sf) && trade.Kind(err) == "insufficient_funds" {
					return fmt.Errorf("%w (short %s)", err, notify.USD(sf.Shortfall()))
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, notify.Confirmation(res.Trade))
			fmt.Fprintf(out, "Cash:     %s\n", notify.USD(res.NewBalance))
			if res.Trade.Side == model.SideSell {
				fmt.Fprintf(out, "Realized: %s\n", notify.USD(res.RealizedGain))
			}
			return nil
		}),
	}
}

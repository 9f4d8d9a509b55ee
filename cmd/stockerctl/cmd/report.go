package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stocker/trade-engine/internal/model"
	"github.com/stocker/trade-engine/internal/notify"
)

func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func newPortfolioCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio <user-id>",
		Short: "Show holdings marked to current prices",
		Args:  cobra.ExactArgs(1),
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			p, err := e.engine.Portfolio(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SYMBOL\tQTY\tAVG COST\tPRICE\tVALUE\tP/L")
			for _, h := range p.Holdings {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
					h.Symbol, h.Quantity,
					notify.USD(h.AvgCost), notify.USD(h.CurrentPrice),
					notify.USD(h.MarketValue), notify.USD(h.UnrealizedPnL))
			}
			fmt.Fprintln(tw)
			fmt.Fprintf(tw, "Cash\t\t\t\t%s\t\n", notify.USD(p.CashBalance))
			fmt.Fprintf(tw, "Holdings\t\t\t\t%s\t%s\n", notify.USD(p.HoldingsValue), notify.USD(p.UnrealizedPnL))
			fmt.Fprintf(tw, "Total\t\t\t\t%s\t\n", notify.USD(p.TotalValue))
			return tw.Flush()
		}),
	}
}

func newHistoryCmd(rc *rootConfig) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List trades, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			trades, err := e.engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if limit > 0 && len(trades) > limit {
				trades = trades[:limit]
			}

			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "TIME\tSIDE\tSYMBOL\tQTY\tPRICE\tTOTAL\tID")
			for _, t := range trades {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					t.Timestamp.Local().Format("2006-01-02 15:04:05"),
					strings.ToUpper(string(t.Side)), t.Symbol, t.Quantity,
					notify.USD(t.Price), notify.USD(t.Total), t.ID)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n trades")
	return cmd
}

func newReconcileCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <user-id>",
		Short: "Replay the ledger and compare it with stored cash and positions",
		Args:  cobra.ExactArgs(1),
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			r, err := e.engine.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d trades replayed, expected cash %s, stored %s\n",
				r.TradeCount, notify.USD(r.ExpectedCash), notify.USD(r.ActualCash))
			if r.Balanced {
				fmt.Fprintln(out, "balanced")
				return nil
			}

			tw := table(out)
			fmt.Fprintln(tw, "KIND\tSYMBOL\tEXPECTED\tACTUAL")
			for _, d := range r.Discrepancies {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Kind, d.Symbol, d.Expected, d.Actual)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return fmt.Errorf("%d discrepancies", len(r.Discrepancies))
		}),
	}
}

func newQuotesCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "quotes [symbol...]",
		Short: "Show the quote board",
		RunE: rc.withEnv(func(cmd *cobra.Command, args []string, e *env) error {
			quotes := e.quotes.Quotes()
			if len(args) > 0 {
				quotes = make([]model.Quote, 0, len(args))
				for _, sym := range args {
					q, err := e.quotes.Quote(sym)
					if err != nil {
						return err
					}
					quotes = append(quotes, q)
				}
			}

			tw := table(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SYMBOL\tNAME\tPRICE\tCHANGE")
			for _, q := range quotes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.Symbol, q.Name, notify.USD(q.Price), q.Change.StringFixed(2))
			}
			return tw.Flush()
		}),
	}
}

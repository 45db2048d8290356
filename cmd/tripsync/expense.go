package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/session"
)

var expenseCmd = &cobra.Command{
	Use:     "expense",
	Aliases: []string{"expenses"},
	GroupID: "trip",
	Short:   "Record and list shared expenses",
}

var expenseAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an expense",
	Long: `Record an expense paid during the trip.

Amounts are in Vietnamese dong unless --currency KRW is given. Totals are
shown in won at a fixed rate.

Example:
  tripsync expense add --desc "Grab to the airport" --amount 250000 --category transport`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("desc")
		amount, _ := cmd.Flags().GetFloat64("amount")
		category, _ := cmd.Flags().GetString("category")
		currency, _ := cmd.Flags().GetString("currency")
		date, _ := cmd.Flags().GetString("date")
		payer, _ := cmd.Flags().GetString("payer")

		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		e, err := rt.sess.AddExpense(session.ExpenseInput{
			Description: desc,
			Category:    schema.Category(strings.ToLower(category)),
			Amount:      amount,
			Currency:    schema.Currency(strings.ToUpper(currency)),
			ExpenseDate: date,
			Payer:       payer,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s Recorded %s (%s %s, %s KRW) %s\n", RenderPass("✓"),
			e.Description, formatAmount(e.Amount), e.Currency,
			formatAmount(session.ToKRW(e)), RenderMuted(shortID(e.ID)))
		return nil
	},
}

var expenseRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Delete an expense",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openSession(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		drainErrors(rt.sess)

		id, err := resolveID(args[0], schema.IDs(rt.sess.Expenses.Get()))
		if err != nil {
			return err
		}
		if err := rt.sess.RemoveExpense(id); err != nil {
			return err
		}
		fmt.Printf("%s Deleted expense %s\n", RenderPass("✓"), shortID(id))
		return nil
	},
}

var expenseLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List expenses, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asCSV, _ := cmd.Flags().GetBool("csv")
		byCategory, _ := cmd.Flags().GetBool("summary")

		rt, err := openSession(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		expenses := rt.sess.Expenses.Get()
		if asCSV {
			return session.WriteExpensesCSV(os.Stdout, expenses)
		}
		renderExpenses(os.Stdout, expenses, len(rt.sess.Members()))
		if byCategory {
			renderSummary(os.Stdout, rt.sess.ExpenseSummary())
		}
		return nil
	},
}

func renderSummary(w io.Writer, sum session.Summary) {
	t := newTable("Category", "KRW")
	for _, c := range schema.Categories {
		if v, ok := sum.ByCategory[c]; ok {
			t.Row(string(c), formatAmount(v))
		}
	}
	fmt.Fprintln(w, t.String())

	p := newTable("Paid by", "KRW")
	for _, name := range sortedKeys(sum.ByPayer) {
		p.Row(name, formatAmount(sum.ByPayer[name]))
	}
	fmt.Fprintln(w, p.String())
}

func init() {
	expenseAddCmd.Flags().StringP("desc", "d", "", "what the money was spent on (required)")
	expenseAddCmd.Flags().Float64P("amount", "a", 0, "amount paid (required)")
	expenseAddCmd.Flags().StringP("category", "c", string(schema.CategoryOther),
		"one of "+joinCategories())
	expenseAddCmd.Flags().String("currency", string(schema.CurrencyVND), "VND or KRW")
	expenseAddCmd.Flags().String("date", "", "trip day of the expense (e.g. 2026-03-20)")
	expenseAddCmd.Flags().String("payer", "", "member who paid, if not you")
	_ = expenseAddCmd.MarkFlagRequired("desc")
	_ = expenseAddCmd.MarkFlagRequired("amount")

	expenseLsCmd.Flags().Bool("csv", false, "write CSV instead of a table")
	expenseLsCmd.Flags().BoolP("summary", "s", false, "also show totals per category and payer")

	expenseCmd.AddCommand(expenseAddCmd, expenseRmCmd, expenseLsCmd)
	rootCmd.AddCommand(expenseCmd)
}

func joinCategories() string {
	names := make([]string, len(schema.Categories))
	for i, c := range schema.Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

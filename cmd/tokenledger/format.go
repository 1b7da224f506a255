package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pario-ai/tokenledger/pkg/models"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printBudgets(out io.Writer, budgets []models.Budget, pool int64) error {
	fmt.Fprintf(out, "Global pool: %d tokens\n", pool)
	if len(budgets) == 0 {
		fmt.Fprintln(out, "No budgets found.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "ID\tNAME\tSCOPE\tPERIOD\tALLOCATED\tUSED\tREMAINING\tUSAGE\tRESETS")
	for _, b := range budgets {
		resets := "-"
		if !b.ResetAt.IsZero() {
			resets = b.ResetAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\n",
			b.ID, b.Name, b.Scope, b.Period, b.TotalAllocated, b.TotalUsed, b.Remaining, b.UsageRatio()*100, resets)
	}
	return w.Flush()
}

func printStatus(out io.Writer, st models.BudgetStatus) error {
	b := st.Budget
	fmt.Fprintf(out, "ID:         %s\n", b.ID)
	fmt.Fprintf(out, "Name:       %s\n", b.Name)
	fmt.Fprintf(out, "Scope:      %s\n", b.Scope)
	fmt.Fprintf(out, "Period:     %s\n", b.Period)
	if !b.ResetAt.IsZero() {
		fmt.Fprintf(out, "Resets at:  %s\n", b.ResetAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Allocated:  %d\n", b.TotalAllocated)
	fmt.Fprintf(out, "Used:       %d (%.1f%%)\n", b.TotalUsed, st.UsageRatio*100)
	fmt.Fprintf(out, "Remaining:  %d\n", b.Remaining)
	if st.Exhausted {
		fmt.Fprintln(out, "Status:     EXHAUSTED")
	}
	for _, r := range st.ActiveAlerts {
		fmt.Fprintf(out, "ALERT:      %s\n", r)
	}
	fmt.Fprintln(out)
	return printRules(out, b.Rules)
}

func printRules(out io.Writer, rules []models.Rule) error {
	if len(rules) == 0 {
		fmt.Fprintln(out, "No rules.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tTHRESHOLD\tACTION\tENABLED")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%t\n", r.ID, r.Name, r.Kind, r.Threshold*100, r.Action, r.Enabled)
	}
	return w.Flush()
}

func printTransactions(out io.Writer, txs []models.Transaction) error {
	if len(txs) == 0 {
		fmt.Fprintln(out, "No transactions found.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tAMOUNT\tBUDGET\tAGENT\tTHREAD\tDESCRIPTION")
	for _, tx := range txs {
		desc := tx.Description
		if to, ok := tx.Metadata[models.MetaToBudgetID]; ok {
			desc = fmt.Sprintf("%s (-> %s)", desc, to)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			tx.Seq, tx.Timestamp.Local().Format("2006-01-02T15:04:05"), tx.Type, tx.Amount,
			tx.BudgetID, dash(tx.AgentID), dash(tx.ThreadID), desc)
	}
	return w.Flush()
}

func printAnalytics(out io.Writer, a models.Analytics) error {
	fmt.Fprintf(out, "Today:         %d\n", a.Today)
	fmt.Fprintf(out, "Last 7 days:   %d\n", a.ThisWeek)
	fmt.Fprintf(out, "Last 30 days:  %d\n", a.ThisMonth)
	fmt.Fprintf(out, "Efficiency:    %.1f\n", a.Efficiency)
	fmt.Fprintf(out, "Pool:          %d\n", a.PoolBalance)
	fmt.Fprintf(out, "Allocated:     %d across %d budgets (%d used, %d remaining)\n",
		a.TotalAllocated, a.BudgetCount, a.TotalUsed, a.TotalRemaining)

	if len(a.TopAgents) > 0 {
		fmt.Fprintln(out)
		w := newTable(out)
		fmt.Fprintln(w, "AGENT\tTOKENS\tTRANSACTIONS\tAVG")
		for _, ag := range a.TopAgents {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\n", ag.AgentID, ag.TotalTokens, ag.TransactionCount, ag.AverageTokens)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(a.ByScope) > 0 {
		fmt.Fprintln(out)
		w := newTable(out)
		fmt.Fprintln(w, "SCOPE\tUSED\tBUDGETS")
		for _, s := range a.ByScope {
			fmt.Fprintf(w, "%s\t%d\t%d\n", s.Scope, s.TotalUsed, s.BudgetCount)
		}
		return w.Flush()
	}
	return nil
}

func printJournalStats(out io.Writer, stats []models.JournalStat) error {
	if len(stats) == 0 {
		fmt.Fprintln(out, "No journaled transactions.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "DAY\tTYPE\tCOUNT\tTOKENS")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Day, s.Type, s.Count, s.Amount)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

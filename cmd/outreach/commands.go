package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/crm"
	"github.com/example/outreach/internal/ingress"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/orchestrator"
	"github.com/example/outreach/internal/store"
	"github.com/example/outreach/internal/tenant"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP ingress and the sequence worker",
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process one trigger for a company",
	RunE:  runTrigger,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Step every due sequence once and send pending follow-ups",
	RunE:  runTick,
}

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop a sequence run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a sequence run, a company's runs, or counts by state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var budgetCmd = &cobra.Command{
	Use:   "budget [operator-id]",
	Short: "Show invitation budgets",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBudget,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the local database",
	RunE:  runMigrate,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete settled reservation ledger rows",
	RunE:  runPrune,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration and tenant credentials",
	RunE:  runValidate,
}

var verifyCRMCmd = &cobra.Command{
	Use:   "verify-crm",
	Short: "Check that the CRM custom properties exist",
	RunE:  runVerifyCRM,
}

var (
	companyFlag     string
	operatorFlag    string
	personaSetFlag  string
	processedAtFlag string
	reasonFlag      string
	olderThanFlag   time.Duration
	createFlag      bool
	jsonFlag        bool
)

func init() {
	runCmd.Flags().StringVar(&companyFlag, "company", "", "CRM company id")
	runCmd.Flags().StringVar(&operatorFlag, "operator", "", "operator id")
	runCmd.Flags().StringVar(&personaSetFlag, "persona-set", config.DefaultPersonaSet, "persona set name")
	runCmd.Flags().StringVar(&processedAtFlag, "processed-at", "", "trigger timestamp (RFC3339), defaults to now")
	_ = runCmd.MarkFlagRequired("company")
	_ = runCmd.MarkFlagRequired("operator")

	stopCmd.Flags().StringVar(&reasonFlag, "reason", "", "reason recorded on the run")
	statusCmd.Flags().StringVar(&companyFlag, "company", "", "list the runs of one company")
	statusCmd.Flags().StringVar(&operatorFlag, "operator", "", "restrict counts to one operator")
	pruneCmd.Flags().DurationVar(&olderThanFlag, "older-than", 8*24*time.Hour, "minimum age of pruned rows")
	verifyCRMCmd.Flags().BoolVar(&createFlag, "create", false, "create missing properties")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(serveCmd, runCmd, tickCmd, stopCmd, statusCmd, budgetCmd, migrateCmd, pruneCmd, validateCmd, verifyCRMCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openFull(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	w := e.worker()
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	srv := ingress.New(e.orch, e.seq, e.lim, e.st, ingress.Options{
		SharedSecret: e.cfg.Server.SharedSecret,
		RunTimeout:   e.cfg.Server.RunTimeout,
		Registry:     e.reg,
		Logger:       e.log,
	})
	registerRuntime(e.reg)
	if e.cfg.Server.SharedSecret == "" {
		e.log.Warn("no shared secret configured, ingress is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(e.cfg.Server.Addr) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		w.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	e.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.log.Warn("ingress shutdown", "err", err)
	}
	w.Stop()
	return nil
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	trig := models.Trigger{
		CompanyID:     companyFlag,
		OperatorID:    operatorFlag,
		PersonaSetRef: personaSetFlag,
		ProcessedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if processedAtFlag != "" {
		at, err := time.Parse(time.RFC3339, processedAtFlag)
		if err != nil {
			return fmt.Errorf("--processed-at: %w", err)
		}
		trig.ProcessedAt = at
	}

	e, err := openFull(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := withTimeout(e.cfg.Server.RunTimeout)
	defer cancel()
	res, err := e.orch.Run(ctx, trig)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Key)
	fmt.Fprintln(cmd.OutOrStdout(), orchestrator.Summary(res))
	for _, s := range res.Sequences {
		fmt.Fprintf(cmd.OutOrStdout(), "  run %s contact %s %s\n", s.RunID, s.ContactID, s.State)
	}
	for _, de := range res.DiscoveryErrors {
		fmt.Fprintf(cmd.OutOrStdout(), "  persona error: %s\n", de)
	}
	return nil
}

func runTick(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openFull(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.seq.Recover(ctx); err != nil {
		return err
	}
	stepped := e.worker().Tick(ctx)
	sent := 0
	if e.followUps != nil {
		if sent, err = e.followUps.SendFollowUps(ctx); err != nil {
			return fmt.Errorf("send follow-ups: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stepped=%d follow_ups=%d\n", stepped, sent)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openFull(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	run, err := e.seq.Stop(ctx, args[0], reasonFlag)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", run.ID, run.State, run.StallReason)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	out := cmd.OutOrStdout()

	switch {
	case len(args) == 1:
		run, err := e.st.Run(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown run %s", args[0])
		}
		if err != nil {
			return err
		}
		logs, err := e.st.ActionLogs(ctx, run.ID)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(out, map[string]any{"run": run, "actions": logs})
		}
		fmt.Fprintf(out, "run %s\n  contact   %s (%s)\n  operator  %s\n  state     %s %s\n", run.ID, run.ContactID, run.LeadName, run.OperatorID, run.State, run.StallReason)
		if !run.State.Terminal() {
			fmt.Fprintf(out, "  next      %s\n", run.NextActionAt.Format(time.RFC3339))
		}
		if run.LastError != "" {
			fmt.Fprintf(out, "  error     %s\n", run.LastError)
		}
		for _, l := range logs {
			fmt.Fprintf(out, "  %s  %-9s %s\n", l.CreatedAt.Format(time.RFC3339), l.Action, l.Detail)
		}
		return nil

	case companyFlag != "":
		runs, err := e.st.RunsByCompany(ctx, companyFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(out, runs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tCONTACT\tLEAD\tSTATE\tNEXT")
		for _, r := range runs {
			next := "-"
			if !r.State.Terminal() {
				next = r.NextActionAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.ContactID, r.LeadName, r.State, next)
		}
		return tw.Flush()

	default:
		counts, err := e.st.CountRunsByState(ctx, operatorFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(out, counts)
		}
		states := make([]string, 0, len(counts))
		for s := range counts {
			states = append(states, string(s))
		}
		sort.Strings(states)
		for _, s := range states {
			fmt.Fprintf(out, "%-22s %d\n", s, counts[models.SequenceState(s)])
		}
		return nil
	}
}

func runBudget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var ids []string
	if len(args) == 1 {
		ids = args
	} else {
		seen := map[string]bool{}
		for _, t := range e.cfg.Tenants {
			for _, op := range t.Operators {
				if !seen[op.ID] {
					seen[op.ID] = true
					ids = append(ids, op.ID)
				}
			}
		}
		stored, err := e.st.Budgets(ctx)
		if err != nil {
			return err
		}
		for _, b := range stored {
			if !seen[b.OperatorID] {
				seen[b.OperatorID] = true
				ids = append(ids, b.OperatorID)
			}
		}
	}

	budgets := make([]models.RateBudget, 0, len(ids))
	for _, id := range ids {
		b, err := e.lim.Snapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("budget %s: %w", id, err)
		}
		budgets = append(budgets, b)
	}
	if jsonFlag {
		return printJSON(cmd.OutOrStdout(), budgets)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATOR\tDAILY\tWEEKLY\tDAILY RESET\tNEXT INVITE")
	for _, b := range budgets {
		next := "-"
		if !b.InviteSafeAfter.IsZero() {
			next = b.InviteSafeAfter.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d/%d\t%d/%d\t%s\t%s\n", b.OperatorID, b.DailyCount, b.DailyLimit, b.WeeklyCount, b.WeeklyLimit, b.DailyResetAt.Format(time.RFC3339), next)
	}
	return tw.Flush()
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	e, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", e.cfg.Database.Path)
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	n, err := e.st.PruneReservations(ctx, time.Now().Add(-olderThanFlag))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d reservations\n", n)
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, t := range cfg.Tenants {
		sets := make([]string, 0, len(t.PersonaSets))
		for name := range t.PersonaSets {
			sets = append(sets, name)
		}
		sort.Strings(sets)
		fmt.Fprintf(out, "tenant %s: %d operators, persona sets %v\n", t.Prefix, len(t.Operators), sets)
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}
	fmt.Fprintln(out, "configuration ok")
	return nil
}

func runVerifyCRM(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.cfg.ValidateCredentials(); err != nil {
		return err
	}
	reg, err := tenant.New(e.cfg, e.metrics, e.log)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range reg.Tenants() {
		hs, ok := t.CRM.(*crm.HubSpot)
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: crm backend has no custom properties\n", t.Prefix)
			continue
		}
		missing, err := hs.VerifyProperties(ctx, createFlag)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.Prefix, err))
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("tenant %s: missing properties %v", t.Prefix, missing))
			continue
		}
		if err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: all properties present\n", t.Prefix)
		}
	}
	return errors.Join(errs...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qcloop/qcloop/internal/config"
	"github.com/qcloop/qcloop/internal/domain"
	"github.com/qcloop/qcloop/internal/iterate"
	"github.com/qcloop/qcloop/internal/notify"
	"github.com/qcloop/qcloop/internal/observer"
	"github.com/qcloop/qcloop/internal/record"
	"github.com/qcloop/qcloop/internal/runstore"
	"github.com/qcloop/qcloop/tui"
)

var runWorkers int

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run CONFIG",
		Short: "Run or resume the iteration loop",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "trainer eval workers (default from tool config)")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status CONFIG",
		Short: "Show per-stage progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// record command
	recordCmd := &cobra.Command{
		Use:   "record CONFIG",
		Short: "Print the parsed RECORD",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecord,
	}
	rootCmd.AddCommand(recordCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch CONFIG",
		Short: "Live progress board",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)
}

func loadToolConfig() (*config.ToolConfig, error) {
	path := toolConfigPath
	if path == "" {
		path = config.DefaultToolConfigPath()
	}
	return config.LoadTool(path)
}

// loadRun reads the run config and derives the plan without touching the
// share folder, for the read-only commands.
func loadRun(path string) (*config.RunConfig, domain.Plan, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, domain.Plan{}, err
	}
	cfg.ApplyDefaults()
	plan, err := domain.NewPlan(cfg.NIter, cfg.InitModel.Disabled())
	if err != nil {
		return nil, domain.Plan{}, err
	}
	return cfg, plan, nil
}

func openStore(workdir string) *runstore.Store {
	store, err := runstore.New(filepath.Join(workdir, runstore.DBName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: stage history unavailable: %v\n", err)
		return nil
	}
	return store
}

func runRun(cmd *cobra.Command, args []string) error {
	tool, err := loadToolConfig()
	if err != nil {
		return err
	}
	cfg, _, err := loadRun(args[0])
	if err != nil {
		return err
	}

	workers := runWorkers
	if workers <= 0 {
		workers = tool.Trainer.Workers
	}

	store := openStore(cfg.Workdir)
	if store != nil {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := notify.FromToolConfig(tool.Notifications)
	err = iterate.Main(ctx, cfg, iterate.Options{
		Store:   store,
		Log:     os.Stderr,
		Workers: workers,
	})
	if err != nil {
		notifier.Send(notify.Notification{
			Title:   "qcloop run failed",
			Message: err.Error(),
			Type:    notify.NotifyError,
			Workdir: cfg.Workdir,
		})
		return err
	}
	notifier.Send(notify.Notification{
		Title:   "qcloop run complete",
		Message: fmt.Sprintf("all stages recorded in %s", cfg.Workdir),
		Type:    notify.NotifySuccess,
		Workdir: cfg.Workdir,
	})
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, plan, err := loadRun(args[0])
	if err != nil {
		return err
	}
	store := openStore(cfg.Workdir)
	if store != nil {
		defer store.Close()
	}

	statuses, err := observer.Snapshot(cfg.Workdir, plan, store)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITERATION\tSTAGE\tSTATE\tSTARTED\tDURATION\tTRN LOSS\tTST LOSS")
	for _, st := range statuses {
		started, duration := "-", "-"
		if st.StartedAt != nil {
			started = humanize.Time(*st.StartedAt)
			if st.FinishedAt != nil {
				duration = st.FinishedAt.Sub(*st.StartedAt).Round(time.Second).String()
			}
		}
		trn, tst := "-", "-"
		if st.TrainLoss != nil {
			trn = fmt.Sprintf("%.3e", *st.TrainLoss)
		}
		if st.TestLoss != nil {
			tst = fmt.Sprintf("%.3e", *st.TestLoss)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.ID.IterName(), st.ID.Stage, st.State, started, duration, trn, tst)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d/%d stages done\n", observer.Done(statuses), plan.NumStages())
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, plan, err := loadRun(args[0])
	if err != nil {
		return err
	}
	rec, err := record.Load(cfg.Workdir)
	if err != nil {
		return err
	}
	if rec.Len() == 0 {
		fmt.Printf("no RECORD at %s\n", record.Path(cfg.Workdir))
		return nil
	}
	for _, id := range rec.Entries() {
		fmt.Println(id)
	}
	if err := rec.Validate(plan); err != nil {
		return err
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, plan, err := loadRun(args[0])
	if err != nil {
		return err
	}
	store := openStore(cfg.Workdir)
	if store != nil {
		defer store.Close()
	}

	model := tui.NewModel(tui.ModelConfig{
		Workdir: cfg.Workdir,
		Plan:    plan,
		Store:   store,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	watcher, err := observer.NewRecordWatcher(cfg.Workdir, func([]domain.StageID, error) {
		p.Send(tui.RecordChangedMsg{})
	})
	if err == nil {
		watcher.Start(cmd.Context())
		defer watcher.Stop()
	}

	_, err = p.Run()
	return err
}

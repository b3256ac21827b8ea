// Command durable is the operations CLI for durable orchestration
// storage: run a worker, inspect instances, dump histories, and purge
// terminal runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	_ "github.com/mattn/go-sqlite3"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/entity"
	"github.com/goliatone/go-durable/history"
	"github.com/goliatone/go-durable/worker"
)

type cliContext struct {
	cfg     worker.Config
	storage *worker.Storage
	logger  durable.Logger
}

type cli struct {
	Config  string `help:"Path to the worker YAML config." type:"path"`
	Verbose bool   `help:"Enable debug logging." short:"v"`

	ValidateConfig validateConfigCmd `cmd:"" name:"validate-config" help:"Parse and validate a worker config file."`
	Worker         workerCmd         `cmd:"" help:"Run a worker process."`
	Instance       instanceCmd       `cmd:"" help:"Inspect and manage orchestration instances."`
}

type workerCmd struct {
	Run workerRunCmd `cmd:"" help:"Run the worker until interrupted."`
}

type workerRunCmd struct{}

type validateConfigCmd struct {
	Path string `arg:"" help:"Config file to validate." type:"path"`
}

type instanceCmd struct {
	Get       instanceGetCmd       `cmd:"" help:"Show one instance record."`
	History   instanceHistoryCmd   `cmd:"" help:"Dump an instance's event history."`
	Query     instanceQueryCmd     `cmd:"" help:"List instances matching a filter."`
	Raise     instanceRaiseCmd     `cmd:"" help:"Record an external event for an instance."`
	Terminate instanceTerminateCmd `cmd:"" help:"Force-terminate a live instance."`
	Purge     instancePurgeCmd     `cmd:"" help:"Delete matching instances and their histories."`
}

type instanceGetCmd struct {
	ID string `arg:"" help:"Instance id."`
}

type instanceHistoryCmd struct {
	ID   string `arg:"" help:"Instance id."`
	From int64  `help:"Start sequence." default:"1"`
}

type instanceQueryCmd struct {
	Status []string `help:"Filter by status (repeatable)."`
	Prefix string   `help:"Filter by instance id prefix."`
	Limit  int      `help:"Page size." default:"50"`
	Token  string   `help:"Continuation token from a previous page."`
}

type instanceRaiseCmd struct {
	ID    string `arg:"" help:"Instance id."`
	Name  string `arg:"" help:"Event name."`
	Input string `help:"JSON event payload."`
}

type instanceTerminateCmd struct {
	ID     string `arg:"" help:"Instance id."`
	Output string `help:"JSON output to record as the result."`
}

type instancePurgeCmd struct {
	Status []string `help:"Statuses to purge." default:"completed,failed,terminated"`
}

func (c *workerRunCmd) Run(cliCtx *cliContext) error {
	engine := entity.NewEngine(entity.NewRegistry(),
		entity.WithStore(cliCtx.storage.Entities),
		entity.WithLogger(cliCtx.logger),
	)
	runtime := worker.NewRuntime(cliCtx.cfg,
		worker.WithBackend(cliCtx.storage.Backend),
		worker.WithEntityEngine(engine),
		worker.WithRuntimeLogger(cliCtx.logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	cliCtx.logger.Info("worker running driver=%s concurrency=%d", cliCtx.cfg.Storage.Driver, cliCtx.cfg.Concurrency)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return runtime.Stop(shutdownCtx)
}

func (c *validateConfigCmd) Run(cliCtx *cliContext) error {
	cfg, err := worker.LoadConfig(c.Path)
	if err != nil {
		return err
	}
	cliCtx.logger.Info("config valid: driver=%s concurrency=%d version=%q match=%s",
		cfg.Storage.Driver, cfg.Concurrency, cfg.Version.Version, cfg.Version.Match)
	return nil
}

func (c *instanceGetCmd) Run(cliCtx *cliContext) error {
	rec, err := cliCtx.storage.Backend.Load(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{
			"instance_id": c.ID,
		})
	}
	return printJSON(rec)
}

func (c *instanceHistoryCmd) Run(cliCtx *cliContext) error {
	events, err := cliCtx.storage.Backend.Read(context.Background(), c.ID, c.From)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := printJSON(event); err != nil {
			return err
		}
	}
	cliCtx.logger.Info("%d events", len(events))
	return nil
}

func (c *instanceQueryCmd) Run(cliCtx *cliContext) error {
	page, err := cliCtx.storage.Backend.Query(context.Background(), history.Filter{
		Statuses:  parseStatuses(c.Status),
		IDPrefix:  c.Prefix,
		Limit:     c.Limit,
		PageToken: c.Token,
	})
	if err != nil {
		return err
	}
	for _, rec := range page.Instances {
		fmt.Printf("%s\t%s\t%s\tepoch=%d\tversion=%s\n", rec.ID, rec.Name, rec.Status, rec.Epoch, rec.Version)
	}
	if page.NextToken != "" {
		cliCtx.logger.Info("more results, continue with --token=%s", page.NextToken)
	}
	return nil
}

// Run appends the event straight to shared storage. A worker picks it up
// on the instance's next turn, since turns replay the full history.
func (c *instanceRaiseCmd) Run(cliCtx *cliContext) error {
	rec, err := loadLive(cliCtx, c.ID)
	if err != nil {
		return err
	}
	_, err = cliCtx.storage.Backend.Append(context.Background(), rec.ID, &history.Event{
		Epoch:     rec.Epoch,
		Kind:      history.KindEventRaised,
		Timestamp: time.Now().UTC(),
		Name:      c.Name,
		Input:     payloadBytes(c.Input),
	})
	if err != nil {
		return err
	}
	cliCtx.logger.Info("event %q recorded for %s", c.Name, rec.ID)
	return nil
}

func (c *instanceTerminateCmd) Run(cliCtx *cliContext) error {
	rec, err := loadLive(cliCtx, c.ID)
	if err != nil {
		return err
	}
	if _, err := cliCtx.storage.Backend.Append(context.Background(), rec.ID, &history.Event{
		Epoch:     rec.Epoch,
		Kind:      history.KindExecutionTerminated,
		Timestamp: time.Now().UTC(),
		Input:     payloadBytes(c.Output),
	}); err != nil {
		return err
	}
	rec.Status = durable.StatusTerminated
	rec.Output = payloadBytes(c.Output)
	if err := cliCtx.storage.Backend.Update(context.Background(), rec); err != nil {
		return err
	}
	cliCtx.logger.Info("instance %s terminated", rec.ID)
	return nil
}

func (c *instancePurgeCmd) Run(cliCtx *cliContext) error {
	purged, err := cliCtx.storage.Backend.Purge(context.Background(), history.Filter{
		Statuses: parseStatuses(c.Status),
	})
	if err != nil {
		return err
	}
	cliCtx.logger.Info("purged %d instances", purged)
	return nil
}

func loadLive(cliCtx *cliContext, id string) (*history.InstanceRecord, error) {
	rec, err := cliCtx.storage.Backend.Load(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, durable.NewError(durable.ErrInstanceNotFound, "", nil, map[string]any{
			"instance_id": id,
		})
	}
	if rec.Status.IsTerminal() {
		return nil, durable.NewError(durable.ErrInvalidConfig, fmt.Sprintf("instance %s already %s", id, rec.Status), nil, nil)
	}
	return rec, nil
}

func payloadBytes(raw string) []byte {
	if raw == "" {
		return nil
	}
	return []byte(raw)
}

func parseStatuses(raw []string) []durable.Status {
	out := make([]durable.Status, 0, len(raw))
	for _, s := range raw {
		out = append(out, durable.Status(s))
	}
	return out
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// glogAdapter bridges go-logger to the runtime's Logger contract.
type glogAdapter struct {
	logger glog.Logger
}

func (l glogAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogAdapter) WithContext(ctx context.Context) durable.Logger {
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func main() {
	root := &cli{}
	parsed := kong.Parse(root,
		kong.Name("durable"),
		kong.Description("Durable orchestration operations tool."),
		kong.UsageOnError(),
	)

	level := "info"
	if root.Verbose {
		level = "debug"
	}
	logger := glogAdapter{logger: glog.NewLogger(
		glog.WithLevel(level),
	)}

	cfg := worker.DefaultConfig()
	if root.Config != "" {
		loaded, err := worker.LoadConfig(root.Config)
		if err != nil {
			logger.Error("cannot load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	storage, err := worker.OpenStorage(cfg.Storage)
	if err != nil {
		logger.Error("cannot open storage: %v", err)
		os.Exit(1)
	}
	defer storage.Close()

	if cfg.Storage.Driver != "sqlite" {
		logger.Warn("storage driver %q is not persistent; instance commands will see no data", cfg.Storage.Driver)
	}

	parsed.FatalIfErrorf(parsed.Run(&cliContext{cfg: cfg, storage: storage, logger: logger}))
}

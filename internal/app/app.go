// Package app wires the pipeline's stage packages into the runnable
// commands cmd/ingestpipe exposes. Grounded on
// brian-c-moore-etl-tool/cmd/etl-tool/main.go + internal/app/app.go's
// AppRunner shape: a flag.FlagSet-driven runner with a closed set of
// sentinel errors distinguishing usage mistakes from execution failures.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"ingestpipe/internal/admincache"
	"ingestpipe/internal/config"
	"ingestpipe/internal/copier"
	"ingestpipe/internal/loader"
	"ingestpipe/internal/logging"
	"ingestpipe/internal/model"
	"ingestpipe/internal/parser"
	"ingestpipe/internal/queue"
	"ingestpipe/internal/registry"
	"ingestpipe/internal/reporter"
	"ingestpipe/internal/scheduler"
	"ingestpipe/internal/store"
	"ingestpipe/internal/uploader"
	"ingestpipe/internal/validator"
	"ingestpipe/internal/validators"
)

// Sentinel application-level errors, distinguished so main.go can tell a
// usage problem (and print usage) from other failures without
// string-matching; every failure exits with status 1.
var (
	ErrUsage          = errors.New("usage error")
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrMissingArgs    = errors.New("missing required arguments")
)

const usageText = `ingestpipe - partner file ingestion pipeline

Usage:
  ingestpipe -config <file> [-db <dsn>] [-filesdir <dir>] [-loglevel <level>] <command> [args...]

Commands:
  scan                         scan every active partner's input directory and enqueue new files
  worker                       drain the task queue, running each stage to completion (blocks)
  run <stage> <fileId> [instanceId]
                                run a single stage once for one file (stage: load|parse|validate|upload|report)

Flags:
  -config string       path to the admin-entity YAML file (required)
  -db string            Postgres DSN; overrides the config file's database.dsn. If both are empty, an in-memory store is used.
  -filesdir string      root directory holding per-partner input/processed/output trees (default "files")
  -queuecap int          in-process task queue buffer size (default 256)
  -loglevel string      none|error|warning|info|debug (default "info")
`

// AppRunner holds nothing of its own; every invocation is independent,
// matching the teacher's stateless AppRunner.
type AppRunner struct{}

// NewAppRunner constructs an AppRunner.
func NewAppRunner() *AppRunner {
	return &AppRunner{}
}

// Usage writes the command usage text to w.
func (a *AppRunner) Usage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// env bundles everything a command needs once flags are parsed and the
// config/store/cache have been constructed.
type env struct {
	cfg      *config.AdminConfig
	st       store.Store
	cache    admincache.Cache
	reg      *registry.Registry
	q        *queue.Queue
	sched    *scheduler.Scheduler
	filesDir string
}

// Run parses args and dispatches to the named command. It never calls
// os.Exit; the caller (cmd/ingestpipe) decides how to report errors.
func (a *AppRunner) Run(args []string) error {
	fs := flag.NewFlagSet("ingestpipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configFile := fs.String("config", "", "path to the admin-entity YAML file")
	dbDSN := fs.String("db", "", "Postgres DSN, overrides config file")
	filesDir := fs.String("filesdir", "files", "root directory for per-partner input/processed/output trees")
	queueCap := fs.Int("queuecap", 256, "in-process task queue buffer size")
	logLevel := fs.String("loglevel", "info", "log level")
	helpFlag := fs.Bool("help", false, "show usage")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *helpFlag {
		fmt.Fprint(os.Stdout, usageText)
		return nil
	}

	logging.SetupLogging(*logLevel)

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("%w: no command given\n%s", ErrMissingArgs, usageText)
	}
	command, rest := rest[0], rest[1:]

	if *configFile == "" {
		return fmt.Errorf("%w: -config is required", ErrMissingArgs)
	}
	if _, err := os.Stat(*configFile); err != nil {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, *configFile)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	e, closeFn, err := buildEnv(cfg, *configFile, *dbDSN, *filesDir, *queueCap)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()

	switch command {
	case "scan":
		return e.runScan(ctx)
	case "worker":
		return e.runWorker(ctx)
	case "run":
		return e.runOnce(ctx, rest)
	default:
		return fmt.Errorf("%w: unknown command %q\n%s", ErrUsage, command, usageText)
	}
}

// buildEnv constructs the shared store/cache/registry/scheduler an
// AppRunner command drives. The admin cache reloads configPath itself
// (YAMLCache.Refresh), independent of the AdminConfig LoadConfig already
// validated, so a future "worker" invocation can call WatchRefresh
// without this package needing to know about it.
func buildEnv(cfg *config.AdminConfig, configPath, dbDSN, filesDir string, queueCap int) (*env, func(), error) {
	dsn := cfg.Database.DSN
	if dbDSN != "" {
		dsn = dbDSN
	}

	var st store.Store
	var sqlExec registry.SQLExecutor
	closeFn := func() {}

	if dsn == "" {
		logging.Logf(logging.Warning, "no database DSN configured, running against an in-memory store")
		st = store.NewMemoryStore()
	} else {
		pg, err := store.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to store: %w", err)
		}
		st = pg
		sqlExec = store.NewPgSQLExecutor(pg)
		closeFn = func() { pg.Close() }
	}

	reg := registry.New(sqlExec)
	validators.RegisterAll(reg)

	cache, err := admincache.NewYAMLCache(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load admin cache: %w", err)
	}

	q := queue.New(queueCap)
	sched := scheduler.New(st, cache, q)

	return &env{
		cfg:      cfg,
		st:       st,
		cache:    cache,
		reg:      reg,
		q:        q,
		sched:    sched,
		filesDir: filesDir,
	}, closeFn, nil
}

// runScan scans every active partner's input directory once and routes
// whatever new files it finds; it does not drain the resulting tasks —
// pair it with "worker" (or run it as a periodic cron alongside a
// long-lived "worker") the way copier.py's scan is driven externally.
func (e *env) runScan(ctx context.Context) error {
	cp := copier.New(e.st, e.sched)
	for _, partner := range e.cfg.Partners {
		if !partner.Active {
			continue
		}
		inputDir, processedDir := e.partnerDirs(partner.ID)
		if err := os.MkdirAll(inputDir, 0o755); err != nil {
			return fmt.Errorf("scan: partner %d: %w", partner.ID, err)
		}
		if err := os.MkdirAll(processedDir, 0o755); err != nil {
			return fmt.Errorf("scan: partner %d: %w", partner.ID, err)
		}
		p := partner
		if err := cp.Scan(ctx, &p, inputDir, processedDir); err != nil {
			return fmt.Errorf("scan: partner %d: %w", partner.ID, err)
		}
	}
	return nil
}

// runWorker drains the queue until it is closed (Ctrl-C via the
// caller's signal handling, or the queue running dry in a one-shot
// test), running each task to completion and then re-routing the file
// through the scheduler, same as a real task-queue worker would.
func (e *env) runWorker(ctx context.Context) error {
	for task := range e.q.Tasks() {
		if err := e.runTask(ctx, task); err != nil {
			logging.Logf(logging.Error, "task %s failed: %v", task, err)
		}
	}
	return nil
}

// runOnce implements "run <stage> <fileId> [instanceId]" for manual or
// scripted single-step execution outside the queue.
func (e *env) runOnce(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: run requires <stage> <fileId> [instanceId]", ErrMissingArgs)
	}
	fileID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid fileId %q", ErrUsage, args[1])
	}
	var instanceID string
	if len(args) > 2 {
		instanceID = args[2]
	}

	stage, err := parseStage(args[0])
	if err != nil {
		return err
	}

	return e.runTask(ctx, queue.Task{Stage: stage, FileID: fileID, InstanceID: instanceID})
}

func parseStage(name string) (queue.Stage, error) {
	switch name {
	case "load":
		return queue.StageLoad, nil
	case "parse":
		return queue.StageParse, nil
	case "validate":
		return queue.StageValidate, nil
	case "upload":
		return queue.StageUpload, nil
	case "report":
		return queue.StageReport, nil
	default:
		return "", fmt.Errorf("%w: unknown stage %q", ErrUsage, name)
	}
}

// runTask loads the file, resolves its FileType, runs the requested
// stage, reloads the file (every stage mutates its own in-memory copy),
// and hands it back to the scheduler. Route's default case is a no-op
// for in-progress/error/terminal statuses, so calling it unconditionally
// after every stage is always safe.
func (e *env) runTask(ctx context.Context, task queue.Task) error {
	file, err := e.st.GetFile(ctx, task.FileID)
	if err != nil {
		return fmt.Errorf("load file %d: %w", task.FileID, err)
	}
	ft, ok := e.cache.FileType(file.PartnerID, file.FileTypeID)
	if !ok {
		return fmt.Errorf("no FileType for partner %d, fileType %d", file.PartnerID, file.FileTypeID)
	}

	var runErr error
	switch task.Stage {
	case queue.StageLoad:
		runErr = e.runLoad(ctx, file, ft)
	case queue.StageParse:
		runErr = e.runParse(ctx, file, ft)
	case queue.StageValidate:
		v := validator.New(e.st, file, ft, e.cache, e.reg, config.DefaultMaxPendingRecords)
		runErr = v.Run(ctx)
	case queue.StageUpload:
		u := uploader.New(e.st, file, ft, e.cache, e.reg)
		runErr = u.Run(ctx)
	case queue.StageReport:
		runErr = e.runReport(ctx, file, ft, task.InstanceID)
	default:
		return fmt.Errorf("run task: unknown stage %q", task.Stage)
	}
	if runErr != nil {
		logging.Logf(logging.Error, "%s: %v", task, runErr)
	}

	fresh, err := e.st.GetFile(ctx, task.FileID)
	if err != nil {
		return fmt.Errorf("reload file %d: %w", task.FileID, err)
	}
	return e.sched.Route(ctx, fresh)
}

// runLoad resolves the on-disk path a Loader reads from: the Copier
// already renamed the file to its long-term "{stem}-{id}{ext}" name and
// recorded that full path in file.Location, so the common case is to
// read it directly; LocalFilePath is kept as a fallback for a file
// record created by some other means that only set Location to a
// directory.
func (e *env) runLoad(ctx context.Context, file *model.File, ft *config.FileType) error {
	localPath := file.Location
	if info, err := os.Stat(localPath); err != nil || info.IsDir() {
		localPath = loader.LocalFilePath(file.Location, file.Name, file.ID)
	}
	if ft.FixedWidth {
		return loader.NewFixedWidth(e.st, file, ft, localPath, config.DefaultMaxPendingRecords).Run(ctx)
	}
	return loader.NewDelimited(e.st, file, ft, localPath, config.DefaultMaxPendingRecords).Run(ctx)
}

func (e *env) runParse(ctx context.Context, file *model.File, ft *config.FileType) error {
	if ft.FixedWidth {
		return parser.NewFixedWidth(e.st, file, ft, config.DefaultMaxPendingRecords).Run(ctx)
	}
	return parser.NewDelimited(e.st, file, ft, config.DefaultMaxPendingRecords).Run(ctx)
}

func (e *env) runReport(ctx context.Context, file *model.File, ft *config.FileType, instanceID string) error {
	partner, ok := e.cache.Partner(file.PartnerID)
	if !ok {
		return fmt.Errorf("no Partner %d", file.PartnerID)
	}
	var instance *model.OutputInstance
	for i := range file.Outputs {
		if file.Outputs[i].InstanceID == instanceID {
			instance = &file.Outputs[i]
			break
		}
	}
	if instance == nil {
		return fmt.Errorf("no OutputInstance %q on file %d", instanceID, file.ID)
	}
	var output *config.Output
	for i := range ft.Outputs {
		if ft.Outputs[i].Name == instance.OutputName {
			output = &ft.Outputs[i]
			break
		}
	}
	if output == nil {
		return fmt.Errorf("no Output %q configured for file type %d", instance.OutputName, ft.ID)
	}

	rootDir := e.filesDir
	if partner.OutgoingDirectory == "" {
		_, processedDir := e.partnerDirs(partner.ID)
		rootDir = filepath.Join(filepath.Dir(processedDir), "output")
	}
	r := reporter.New(e.st, file, partner, output, instanceID, rootDir)
	return r.Run(ctx)
}

// partnerDirs returns the conventional {filesdir}/{partnerId}/input and
// {filesdir}/{partnerId}/processed directories, mirroring copier.py's
// FILES_BASE_DIR/input/processed layout.
func (e *env) partnerDirs(partnerID int) (inputDir, processedDir string) {
	base := filepath.Join(e.filesDir, strconv.Itoa(partnerID))
	return filepath.Join(base, "input"), filepath.Join(base, "processed")
}

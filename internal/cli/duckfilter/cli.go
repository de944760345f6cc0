package duckfilter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/duckmesh/duckfilter/internal/batchio"
	"github.com/duckmesh/duckfilter/internal/config"
	"github.com/duckmesh/duckfilter/internal/observability"
	"github.com/duckmesh/duckfilter/internal/source/postgres"
	"github.com/duckmesh/duckfilter/internal/storage"
	s3store "github.com/duckmesh/duckfilter/internal/storage/s3"
)

type Options struct {
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	HTTPClient *http.Client
	// Lookup reads DUCKFILTER_* settings. Defaults to the process environment.
	Lookup    config.LookupFunc
	Allocator memory.Allocator
	// OpenStore overrides how s3:// locations reach their bucket.
	OpenStore batchio.StoreOpener
}

type cli struct {
	Run    runCmd    `cmd:"" help:"Run a task over input batches."`
	Schema schemaCmd `cmd:"" help:"Print the input and output schema of a task."`
	Health healthCmd `cmd:"" help:"GET /v1/health on a duckfilter API."`
	Ready  readyCmd  `cmd:"" help:"GET /v1/ready on a duckfilter API."`
	Tasks  tasksCmd  `cmd:"" help:"List the tasks a duckfilter API serves."`
	Invoke invokeCmd `cmd:"" help:"Run a task on a duckfilter API."`
}

type exitCode int

// Run executes one command line and returns the process exit code: 0 on
// success, 1 when the command fails and 2 for usage errors.
func Run(ctx context.Context, args []string, opts Options) (code int) {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}

	var root cli
	parser, err := kong.New(&root,
		kong.Name("duckfilter"),
		kong.Description("Run SQL filter tasks over columnar record batches."),
		kong.Writers(opts.Stdout, opts.Stderr),
		kong.Exit(func(code int) { panic(exitCode(code)) }),
	)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "duckfilter: %v\n", err)
		return 2
	}
	defer func() {
		if r := recover(); r != nil {
			exit, ok := r.(exitCode)
			if !ok {
				panic(r)
			}
			code = int(exit)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "duckfilter: %v\n\nrun \"duckfilter --help\" for usage\n", err)
		return 2
	}

	e, err := newEnv(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "duckfilter: %v\n", err)
		return 1
	}
	defer e.close()
	if err := kctx.Run(e); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "duckfilter: %v\n", err)
		return 1
	}
	return 0
}

// env is what commands run against.
type env struct {
	ctx      context.Context
	cfg      config.Config
	logger   *slog.Logger
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
	client   *http.Client
	mem      memory.Allocator
	resolver *batchio.Resolver
	source   *sql.DB
}

func newEnv(ctx context.Context, opts Options) (*env, error) {
	cfg, err := config.Load("duckfilter", opts.Lookup)
	if err != nil {
		return nil, err
	}
	e := &env{
		ctx:    ctx,
		cfg:    cfg,
		logger: observability.NewLogger(cfg, opts.Stderr),
		stdin:  opts.Stdin,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		client: opts.HTTPClient,
		mem:    opts.Allocator,
	}
	if e.mem == nil {
		e.mem = memory.DefaultAllocator
	}
	openStore := opts.OpenStore
	if openStore == nil {
		openStore = func(ctx context.Context, bucket string) (storage.ObjectStore, error) {
			store, err := s3store.New(ctx, s3store.Config(cfg.ObjectStore).ForBucket(bucket))
			if err != nil {
				return nil, err
			}
			return store, nil
		}
	}
	e.resolver = &batchio.Resolver{
		OpenStore: openStore,
		Stdin:     opts.Stdin,
		Stdout:    opts.Stdout,
		Allocator: e.mem,
	}
	return e, nil
}

// sourceDB opens the PostgreSQL source on first use.
func (e *env) sourceDB() (*sql.DB, error) {
	if e.source != nil {
		return e.source, nil
	}
	db, err := postgres.Open(e.ctx, postgres.DBConfig(e.cfg.Source))
	if err != nil {
		return nil, err
	}
	e.source = db
	return db, nil
}

func (e *env) close() {
	if e.source != nil {
		_ = e.source.Close()
	}
}

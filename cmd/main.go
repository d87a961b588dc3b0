package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"smartdocs/internal/chromemdb"
	"smartdocs/internal/chunker"
	"smartdocs/internal/config"
	"smartdocs/internal/db"
	"smartdocs/internal/embedding"
	"smartdocs/internal/helper"
	"smartdocs/internal/llmservice"
	"smartdocs/internal/logger"
	"smartdocs/internal/parser"
	"smartdocs/internal/server"
	"smartdocs/internal/session"
	"smartdocs/internal/task"
	"smartdocs/internal/tui"
)

var cli struct {
	Config string `help:"Path to the YAML config file" default:"./configs/config.yaml" type:"path"`

	Serve serveCmd `cmd:"" default:"1" help:"Run the web chat server"`
	Chat  chatCmd  `cmd:"" help:"Chat with your documents in the terminal"`
	Ask   askCmd   `cmd:"" help:"Answer one question about the documents in a directory"`
}

// runtime holds the wired components shared by every command.
type runtime struct {
	cfg     *config.Config
	service *session.Service
	closers []io.Closer
}

func (r *runtime) Close() {
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing resource")
		}
	}
}

type serveCmd struct{}

func (c *serveCmd) Run(r *runtime) error {
	tasks := task.NewManager(
		time.Duration(r.cfg.Session.TaskTimeoutSecs)*time.Second,
		time.Duration(r.cfg.Session.TTLMinutes)*time.Minute,
	)
	srv := server.New(r.cfg, r.service, tasks)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		return srv.Shutdown()
	}
}

type chatCmd struct {
	Files []string `arg:"" optional:"" type:"existingfile" help:"Documents to process before the chat starts"`
}

func (c *chatCmd) Run(r *runtime) error {
	ctx := context.Background()
	sess, err := r.service.CreateSession(ctx)
	if err != nil {
		return err
	}

	m := tui.New(ctx, r.service, sess.ID).Preload(c.Files)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type askCmd struct {
	Dir      string `required:"" type:"existingdir" help:"Directory with the documents to load"`
	Question string `arg:"" help:"Question to answer"`
	Sources  bool   `help:"Print the retrieved sources"`
	JSON     bool   `name:"json" help:"Print the full result as JSON"`
}

func (c *askCmd) Run(r *runtime) error {
	ctx := context.Background()
	sess, err := r.service.CreateSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.service.DeleteSession(ctx, sess.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to clean up session")
		}
	}()

	processed, err := r.service.ProcessDir(ctx, sess.ID, c.Dir)
	if err != nil {
		return err
	}
	log.Info().Int("files", len(processed.Files)).Int("chunks", processed.Chunks).Msg(processed.Notice)

	res, err := r.service.Ask(ctx, sess.ID, c.Question)
	if err != nil {
		return err
	}
	if c.JSON {
		return helper.PrettyPrint(os.Stdout, res)
	}
	if res.Rejected {
		fmt.Println(res.Notice)
		return nil
	}
	fmt.Println(res.Answer.Text)
	if c.Sources {
		for i, src := range res.Answer.Sources {
			fmt.Printf("\n[%d] %s, page %d\n%s\n", i+1, src.Source, src.Page, src.Excerpt())
		}
	}
	return nil
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("smartdocs"),
		kong.Description("Chat with your documents."),
		kong.UsageOnError(),
	)

	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	if strings.HasPrefix(kctx.Command(), "chat") {
		// the terminal belongs to the TUI; keep only the file log
		logger.SetupWriter(cfg.App, io.Discard)
	} else {
		logger.Setup(cfg.App)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	for _, call := range cfg.RemoteCalls() {
		log.Info().Str("remote", call).Msg("Remote call enabled")
	}

	r, err := wire(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing")
	}
	defer r.Close()

	if err := kctx.Run(r); err != nil {
		r.Close()
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func wire(ctx context.Context, cfg *config.Config) (*runtime, error) {
	r := &runtime{cfg: cfg}

	embedder, err := embedding.New(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	var index session.VectorIndex
	switch cfg.Index.Backend {
	case "postgres":
		bunDB := db.ConnectDB(cfg.Database)
		if cfg.Database.ResetOnStart {
			log.Warn().Msg("Dropping documents table")
			if err := db.DropDocuments(ctx, bunDB); err != nil {
				_ = bunDB.Close()
				return nil, fmt.Errorf("error resetting database: %w", err)
			}
		}
		store, err := db.NewStore(ctx, bunDB, embedder)
		if err != nil {
			_ = bunDB.Close()
			return nil, fmt.Errorf("error connecting to database: %w", err)
		}
		r.closers = append(r.closers, store)
		index = store
	case "chromem", "":
		mgr, err := chromemdb.NewVectorDBManager(cfg.Storage.IndexDir, cfg.Storage.Compress, embedder)
		if err != nil {
			return nil, err
		}
		index = mgr
	default:
		return nil, errors.New("unknown index backend: " + cfg.Index.Backend)
	}

	generator, err := llmservice.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	svc, err := session.NewService(cfg, parser.NewLoader(cfg.Loader), ch, index, generator)
	if err != nil {
		return nil, err
	}
	r.service = svc
	log.Info().
		Str("index", cfg.Index.Backend).
		Str("embedder", embedder.ID()).
		Str("reprocess", cfg.Index.ReprocessMode).
		Msg("SmartDocs ready")
	return r, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"smartdocs/internal/chunker"
	"smartdocs/internal/config"
	"smartdocs/internal/helper"
	"smartdocs/internal/llmservice"
	"smartdocs/internal/models"
	"smartdocs/internal/parser"
	"smartdocs/internal/rag"
)

// Indexer writes and removes session indexes.
type Indexer interface {
	Index(ctx context.Context, sessionID string, chunks []models.Chunk, mode models.ReprocessMode) (int, error)
	Drop(ctx context.Context, sessionID string) error
}

type VectorIndex interface {
	Indexer
	rag.Retriever
}

// Upload is one file received from the user.
type Upload struct {
	Name   string
	Reader io.Reader
}

type ProcessResult struct {
	Files   []string             `json:"files"`
	Pages   int                  `json:"pages"`
	Chunks  int                  `json:"chunks"`
	Skipped []parser.SkippedFile `json:"skipped,omitempty"`
	Notice  string               `json:"notice"`
}

type AskResult struct {
	Answer   models.Answer `json:"answer"`
	Rejected bool          `json:"rejected"`
	Notice   string        `json:"notice,omitempty"`
}

type Service struct {
	stagingDir   string
	mode         models.ReprocessMode
	purge        bool
	topK         int
	historyTurns int
	condense     bool

	store     *Store
	loader    *parser.Loader
	chunker   *chunker.Chunker
	index     VectorIndex
	generator llmservice.Generator
}

func NewService(cfg *config.Config, loader *parser.Loader, ch *chunker.Chunker, index VectorIndex, generator llmservice.Generator) (*Service, error) {
	if err := helper.CreateFolder(cfg.Storage.StagingDir); err != nil {
		return nil, err
	}
	s := &Service{
		stagingDir:   cfg.Storage.StagingDir,
		mode:         models.ReprocessMode(cfg.Index.ReprocessMode),
		purge:        cfg.Index.PurgeOnExpiry,
		topK:         cfg.RAG.TopK,
		historyTurns: cfg.RAG.HistoryTurns,
		condense:     cfg.CondenseQuestion(),
		loader:       loader,
		chunker:      ch,
		index:        index,
		generator:    generator,
	}
	s.store = NewStore(
		time.Duration(cfg.Session.TTLMinutes)*time.Minute,
		time.Duration(cfg.Session.CleanupMinutes)*time.Minute,
		s.evict,
	)
	return s, nil
}

func (s *Service) CreateSession(ctx context.Context) (*Session, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	sess := newSession(id)
	s.store.Put(sess)
	log.Info().Str("session", helper.ShortID(id)).Msg("Session created")
	return sess, nil
}

func (s *Service) Session(id string) (*Session, error) {
	if !helper.ValidSessionID(id) {
		return nil, models.ErrSessionNotFound
	}
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return sess, nil
}

// DeleteSession ends a session and removes its staged files and index.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.Session(id)
	if err != nil {
		return err
	}
	if err := sess.close(); err != nil {
		return err
	}
	s.store.Delete(sess.ID)
	// with purge on, the eviction hook already dropped the index
	if !s.purge {
		if err := s.index.Drop(ctx, sess.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) evict(sess *Session) {
	if err := sess.close(); err != nil {
		// expired mid-request; keep it until the request finishes
		log.Debug().Str("session", helper.ShortID(sess.ID)).Msg("Session busy, expiry deferred")
		s.store.Put(sess)
		return
	}
	log.Info().Str("session", helper.ShortID(sess.ID)).Msg("Session ended")
	if err := os.RemoveAll(s.sessionStaging(sess.ID)); err != nil {
		log.Warn().Err(err).Str("session", helper.ShortID(sess.ID)).Msg("Failed to remove staged files")
	}
	if s.purge {
		if err := s.index.Drop(context.Background(), sess.ID); err != nil {
			log.Warn().Err(err).Str("session", helper.ShortID(sess.ID)).Msg("Failed to drop index")
		}
	}
}

func (s *Service) sessionStaging(id string) string {
	return filepath.Join(s.stagingDir, id)
}

// ProcessUploads stages the uploads in a new batch directory and indexes them.
// In replace mode older batches are removed once indexing succeeds.
func (s *Service) ProcessUploads(ctx context.Context, id string, uploads []Upload) (ProcessResult, error) {
	sess, err := s.Session(id)
	if err != nil {
		return ProcessResult{}, err
	}
	if len(uploads) == 0 {
		return ProcessResult{}, models.ErrNoUploads
	}

	prev, err := sess.beginProcessing()
	if err != nil {
		return ProcessResult{}, err
	}

	batchDir := filepath.Join(s.sessionStaging(id), "batch-"+uuid.NewString())
	res, err := s.stageAndIndex(ctx, sess, batchDir, uploads)
	if err != nil {
		_ = os.RemoveAll(batchDir)
		sess.restore(prev)
		log.Warn().Err(err).Str("session", helper.ShortID(id)).Msg("Processing failed")
		return ProcessResult{}, err
	}

	if s.mode == models.ReprocessReplace {
		s.removeOtherBatches(id, batchDir)
	}
	return res, nil
}

func (s *Service) stageAndIndex(ctx context.Context, sess *Session, batchDir string, uploads []Upload) (ProcessResult, error) {
	if err := helper.CreateFolder(batchDir); err != nil {
		return ProcessResult{}, err
	}
	for _, u := range uploads {
		if err := writeUpload(batchDir, u); err != nil {
			return ProcessResult{}, err
		}
	}
	return s.process(ctx, sess, batchDir)
}

// ProcessDir indexes the documents already present in dir.
func (s *Service) ProcessDir(ctx context.Context, id, dir string) (ProcessResult, error) {
	sess, err := s.Session(id)
	if err != nil {
		return ProcessResult{}, err
	}
	prev, err := sess.beginProcessing()
	if err != nil {
		return ProcessResult{}, err
	}
	res, err := s.process(ctx, sess, dir)
	if err != nil {
		sess.restore(prev)
		return ProcessResult{}, err
	}
	return res, nil
}

// process runs loader, chunker and index for the session. The caller holds
// the processing state.
func (s *Service) process(ctx context.Context, sess *Session, dir string) (ProcessResult, error) {
	start := time.Now()

	pages, report, err := s.loader.LoadDir(ctx, dir)
	if err != nil {
		return ProcessResult{}, err
	}
	if len(pages) == 0 {
		if len(report.Loaded) == 0 && len(report.Skipped) == 0 {
			return ProcessResult{}, fmt.Errorf("%w: no supported documents found", models.ErrUnsupportedFile)
		}
		return ProcessResult{}, models.ErrEmptyExtraction
	}

	chunks, err := s.chunker.Split(pages)
	if err != nil {
		return ProcessResult{}, err
	}
	n, err := s.index.Index(ctx, sess.ID, chunks, s.mode)
	if err != nil {
		return ProcessResult{}, err
	}

	engine := rag.NewEngine(s.index, s.generator,
		rag.WithTopK(s.topK),
		rag.WithHistoryTurns(s.historyTurns),
		rag.WithCondense(s.condense),
	)
	sess.finishProcessing(report.Loaded, s.mode == models.ReprocessAppend, engine)

	log.Info().
		Str("session", helper.ShortID(sess.ID)).
		Int("files", len(report.Loaded)).
		Int("pages", len(pages)).
		Int("chunks", n).
		Dur("took", time.Since(start)).
		Msg("Documents processed")

	return ProcessResult{
		Files:   report.Loaded,
		Pages:   len(pages),
		Chunks:  n,
		Skipped: report.Skipped,
		Notice:  fmt.Sprintf("%d document(s) ready!", len(report.Loaded)),
	}, nil
}

// Ask answers question from the session documents. Without processed
// documents the question is rejected with a notice and nothing is recorded.
func (s *Service) Ask(ctx context.Context, id, question string) (AskResult, error) {
	sess, err := s.Session(id)
	if err != nil {
		return AskResult{}, err
	}
	if strings.TrimSpace(question) == "" {
		return AskResult{}, models.ErrEmptyQuestion
	}

	engine, history, ready, err := sess.beginAnswering()
	if err != nil {
		return AskResult{}, err
	}
	if !ready {
		return AskResult{Rejected: true, Notice: models.NoDocumentsWarning}, nil
	}

	ans, err := engine.Answer(ctx, id, question, history)
	if err != nil {
		sess.finishAnswering(question, nil)
		log.Warn().Err(err).Str("session", helper.ShortID(id)).Msg("Answering failed")
		return AskResult{}, err
	}
	sess.finishAnswering(strings.TrimSpace(question), &ans)
	return AskResult{Answer: ans}, nil
}

func (s *Service) removeOtherBatches(id, keep string) {
	entries, err := os.ReadDir(s.sessionStaging(id))
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(s.sessionStaging(id), e.Name())
		if path == keep {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove old batch")
		}
	}
}

func writeUpload(dir string, u Upload) error {
	if u.Reader == nil {
		return errors.New("upload has no content")
	}
	path := filepath.Join(dir, helper.SafeFilename(u.Name))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", u.Name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, u.Reader); err != nil {
		return fmt.Errorf("failed to stage %s: %w", u.Name, err)
	}
	return nil
}

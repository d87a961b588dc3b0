package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"smartdocs/internal/config"
	"smartdocs/internal/embedding"
	"smartdocs/internal/helper"
	"smartdocs/internal/models"
)

type Document struct {
	bun.BaseModel  `bun:"table:documents,alias:d"`
	ID             string          `bun:"id,pk"`
	SessionID      string          `bun:"session_id,notnull"`
	Content        string          `bun:"content,notnull"`
	Embedding      pgvector.Vector `bun:"embedding,notnull,type:vector"`
	SourceFilename string          `bun:"source_filename,notnull"`
	PageNumber     int             `bun:"page_number,notnull"`
	ChunkID        int             `bun:"chunk_id,notnull"`
	EmbeddingModel string          `bun:"embedding_model,notnull"`
	Distance       float64         `bun:"distance,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(cfg config.DatabaseConfig) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	return NewDB(sqldb, cfg.Debug)
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*Document)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	_, err := db.NewCreateIndex().
		Model((*Document)(nil)).
		Index("documents_session_id_idx").
		Column("session_id").
		IfNotExists().
		Exec(ctx)
	return err
}

// Store is the Postgres vector index. Every row carries its session id and
// every query filters on it.
type Store struct {
	db       *bun.DB
	embedder embedding.Embedder
}

func NewStore(ctx context.Context, db *bun.DB, embedder embedding.Embedder) (*Store, error) {
	if err := InitDB(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db, embedder: embedder}, nil
}

func (s *Store) Index(ctx context.Context, sessionID string, chunks []models.Chunk, mode models.ReprocessMode) (int, error) {
	if !helper.ValidSessionID(sessionID) {
		return 0, models.ErrInvalidSession
	}
	if len(chunks) == 0 {
		return 0, errors.New("no chunks to index")
	}
	if mode == models.ReprocessAppend {
		if err := s.checkModel(ctx, sessionID); err != nil && !errors.Is(err, models.ErrIndexNotFound) {
			return 0, err
		}
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedding.EmbedChunks(ctx, s.embedder, texts)
	if err != nil {
		return 0, err
	}

	docs := make([]Document, len(chunks))
	for i, c := range chunks {
		docs[i] = Document{
			ID:             recordID(sessionID, c),
			SessionID:      sessionID,
			Content:        c.Text,
			Embedding:      pgvector.NewVector(vectors[i]),
			SourceFilename: c.Source,
			PageNumber:     c.Page,
			ChunkID:        c.ChunkID,
			EmbeddingModel: s.embedder.ID(),
		}
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if mode != models.ReprocessAppend {
			if _, err := tx.NewDelete().Model((*Document)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewInsert().
			Model(&docs).
			On("CONFLICT (id) DO UPDATE").
			Set("content = EXCLUDED.content").
			Set("embedding = EXCLUDED.embedding").
			Set("embedding_model = EXCLUDED.embedding_model").
			Exec(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store documents: %w", err)
	}

	log.Info().Str("session", helper.ShortID(sessionID)).Int("chunks", len(docs)).Str("mode", string(mode)).Msg("Documents stored")
	return len(docs), nil
}

func (s *Store) Query(ctx context.Context, sessionID, question string, k int) ([]models.VectorRecord, error) {
	if !helper.ValidSessionID(sessionID) {
		return nil, models.ErrInvalidSession
	}
	if err := s.checkModel(ctx, sessionID); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	qvec, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	vec := pgvector.NewVector(qvec)

	var docs []Document
	err = s.db.NewSelect().
		Model(&docs).
		ColumnExpr("d.*").
		ColumnExpr("d.embedding <=> ? AS distance", vec).
		Where("d.session_id = ?", sessionID).
		OrderExpr("d.embedding <=> ?", vec).
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	records := make([]models.VectorRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, models.VectorRecord{
			ID:        d.ID,
			SessionID: d.SessionID,
			Chunk: models.Chunk{
				Text:    d.Content,
				Source:  d.SourceFilename,
				Page:    d.PageNumber,
				ChunkID: d.ChunkID,
			},
			Similarity: float32(1 - d.Distance),
		})
	}
	return records, nil
}

// checkModel fails when the session has no rows or was embedded with a
// different model.
func (s *Store) checkModel(ctx context.Context, sessionID string) error {
	var model string
	err := s.db.NewSelect().
		Model((*Document)(nil)).
		Column("embedding_model").
		Where("session_id = ?", sessionID).
		Limit(1).
		Scan(ctx, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrIndexNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}
	if model != s.embedder.ID() {
		return fmt.Errorf("%w: index uses %s, embedder is %s", models.ErrEmbeddingMismatch, model, s.embedder.ID())
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, sessionID string) error {
	if !helper.ValidSessionID(sessionID) {
		return models.ErrInvalidSession
	}
	_, err := s.db.NewDelete().Model((*Document)(nil)).Where("session_id = ?", sessionID).Exec(ctx)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// drop table documents
func DropDocuments(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().Model((*Document)(nil)).IfExists().Exec(ctx)
	return err
}

func recordID(sessionID string, c models.Chunk) string {
	key := fmt.Sprintf("%s|%s|%d|%d|%s", sessionID, c.Source, c.Page, c.ChunkID, c.Text)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

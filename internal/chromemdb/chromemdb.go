package chromemdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"smartdocs/internal/embedding"
	"smartdocs/internal/helper"
	"smartdocs/internal/models"
)

const (
	collectionName = "chunks"
	storeDir       = "store"
	manifestFile   = "manifest.json"
)

// manifest records how a session index was built.
type manifest struct {
	SessionID      string    `json:"session_id"`
	EmbeddingModel string    `json:"embedding_model"`
	Dimensions     int       `json:"dimensions"`
	Chunks         int       `json:"chunks"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VectorDBManager keeps one persistent chromem database per session under
// baseDir/<session id>.
type VectorDBManager struct {
	baseDir  string
	compress bool
	embedder embedding.Embedder

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

func NewVectorDBManager(baseDir string, compress bool, embedder embedding.Embedder) (*VectorDBManager, error) {
	if err := helper.CreateFolder(baseDir); err != nil {
		return nil, err
	}
	return &VectorDBManager{
		baseDir:     baseDir,
		compress:    compress,
		embedder:    embedder,
		collections: map[string]*chromem.Collection{},
	}, nil
}

func (m *VectorDBManager) sessionDir(sessionID string) string {
	return filepath.Join(m.baseDir, sessionID)
}

// Index embeds chunks and stores them in the session namespace. Replace mode
// builds a fresh index beside the old one and swaps it in, so a failure
// leaves the previous index untouched.
func (m *VectorDBManager) Index(ctx context.Context, sessionID string, chunks []models.Chunk, mode models.ReprocessMode) (int, error) {
	if !helper.ValidSessionID(sessionID) {
		return 0, models.ErrInvalidSession
	}
	if len(chunks) == 0 {
		return 0, errors.New("no chunks to index")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedding.EmbedChunks(ctx, m.embedder, texts)
	if err != nil {
		return 0, err
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        recordID(c),
			Content:   c.Text,
			Embedding: vectors[i],
			Metadata: map[string]string{
				"source":          c.Source,
				"page":            strconv.Itoa(c.Page),
				"chunk_id":        strconv.Itoa(c.ChunkID),
				"session_id":      sessionID,
				"embedding_model": m.embedder.ID(),
			},
		}
	}

	if mode == models.ReprocessAppend {
		return m.appendDocs(ctx, sessionID, docs)
	}
	return m.replaceDocs(ctx, sessionID, docs)
}

func (m *VectorDBManager) replaceDocs(ctx context.Context, sessionID string, docs []chromem.Document) (int, error) {
	tmpDir := filepath.Join(m.baseDir, "."+sessionID+"-"+uuid.NewString())
	if err := m.writeDocs(ctx, tmpDir, sessionID, docs, nil); err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, sessionID)

	final := m.sessionDir(sessionID)
	if err := os.RemoveAll(final); err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, fmt.Errorf("failed to remove old index: %w", err)
	}
	if err := os.Rename(tmpDir, final); err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, fmt.Errorf("failed to swap index: %w", err)
	}

	log.Info().Str("session", helper.ShortID(sessionID)).Int("chunks", len(docs)).Msg("Index replaced")
	return len(docs), nil
}

func (m *VectorDBManager) appendDocs(ctx context.Context, sessionID string, docs []chromem.Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.sessionDir(sessionID)
	prev, err := readManifest(dir)
	switch {
	case errors.Is(err, models.ErrIndexNotFound):
		prev = nil
	case err != nil:
		return 0, err
	case prev.EmbeddingModel != m.embedder.ID():
		return 0, fmt.Errorf("%w: index uses %s, embedder is %s", models.ErrEmbeddingMismatch, prev.EmbeddingModel, m.embedder.ID())
	}

	delete(m.collections, sessionID)
	if err := m.writeDocs(ctx, dir, sessionID, docs, prev); err != nil {
		return 0, err
	}

	log.Info().Str("session", helper.ShortID(sessionID)).Int("chunks", len(docs)).Msg("Index appended")
	return len(docs), nil
}

// writeDocs upserts docs into the database at dir and rewrites its manifest.
func (m *VectorDBManager) writeDocs(ctx context.Context, dir, sessionID string, docs []chromem.Document, prev *manifest) error {
	db, err := chromem.NewPersistentDB(filepath.Join(dir, storeDir), m.compress)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	c, err := db.GetOrCreateCollection(collectionName, nil, m.embedder.EmbedQuery)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %w", err)
	}
	dims := len(docs[0].Embedding)
	if prev != nil && prev.Dimensions != dims {
		return fmt.Errorf("%w: index has %d dimensions, embedder returned %d", models.ErrEmbeddingMismatch, prev.Dimensions, dims)
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}

	return writeManifest(dir, manifest{
		SessionID:      sessionID,
		EmbeddingModel: m.embedder.ID(),
		Dimensions:     dims,
		Chunks:         c.Count(),
		UpdatedAt:      time.Now().UTC(),
	})
}

// Query returns up to k records of the session ranked by cosine similarity.
func (m *VectorDBManager) Query(ctx context.Context, sessionID, question string, k int) ([]models.VectorRecord, error) {
	if !helper.ValidSessionID(sessionID) {
		return nil, models.ErrInvalidSession
	}

	m.mu.Lock()
	c, man, err := m.collection(sessionID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	count := c.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}

	qvec, err := m.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}
	if len(qvec) != man.Dimensions {
		return nil, fmt.Errorf("%w: index has %d dimensions, query has %d", models.ErrEmbeddingMismatch, man.Dimensions, len(qvec))
	}

	results, err := c.QueryEmbedding(ctx, qvec, min(k, count), map[string]string{"session_id": sessionID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	records := make([]models.VectorRecord, 0, len(results))
	for _, r := range results {
		page, _ := strconv.Atoi(r.Metadata["page"])
		chunkID, _ := strconv.Atoi(r.Metadata["chunk_id"])
		records = append(records, models.VectorRecord{
			ID:        r.ID,
			SessionID: r.Metadata["session_id"],
			Chunk: models.Chunk{
				Text:    r.Content,
				Source:  r.Metadata["source"],
				Page:    page,
				ChunkID: chunkID,
			},
			Similarity: r.Similarity,
		})
	}
	log.Debug().Str("session", helper.ShortID(sessionID)).Int("results", len(records)).Msg("Index queried")
	return records, nil
}

// collection opens the session database on first use. Callers hold m.mu.
func (m *VectorDBManager) collection(sessionID string) (*chromem.Collection, *manifest, error) {
	dir := m.sessionDir(sessionID)
	man, err := readManifest(dir)
	if err != nil {
		return nil, nil, err
	}
	if man.EmbeddingModel != m.embedder.ID() {
		return nil, nil, fmt.Errorf("%w: index uses %s, embedder is %s", models.ErrEmbeddingMismatch, man.EmbeddingModel, m.embedder.ID())
	}
	if c, ok := m.collections[sessionID]; ok {
		return c, man, nil
	}

	db, err := chromem.NewPersistentDB(filepath.Join(dir, storeDir), m.compress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	c := db.GetCollection(collectionName, m.embedder.EmbedQuery)
	if c == nil {
		return nil, nil, models.ErrIndexNotFound
	}
	m.collections[sessionID] = c
	return c, man, nil
}

// Drop deletes the session index. Dropping a missing index is not an error.
func (m *VectorDBManager) Drop(ctx context.Context, sessionID string) error {
	if !helper.ValidSessionID(sessionID) {
		return models.ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, sessionID)
	if err := os.RemoveAll(m.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to drop index: %w", err)
	}
	log.Debug().Str("session", helper.ShortID(sessionID)).Msg("Index dropped")
	return nil
}

func recordID(c models.Chunk) string {
	key := fmt.Sprintf("%s|%d|%d|%s", c.Source, c.Page, c.ChunkID, c.Text)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ErrIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index manifest: %w", err)
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("failed to parse index manifest: %w", err)
	}
	return &man, nil
}

func writeManifest(dir string, man manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write index manifest: %w", err)
	}
	return nil
}

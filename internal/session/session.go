package session

import (
	"sync"
	"time"

	"smartdocs/internal/helper"
	"smartdocs/internal/models"
	"smartdocs/internal/rag"
)

type State string

const (
	StateNoDocuments State = "no_documents"
	StateProcessing  State = "processing"
	StateReady       State = "ready"
	StateAnswering   State = "answering"
)

// Session is the per-user conversation. All fields are guarded by mu; callers
// outside the package read it through View.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	docsReady bool
	messages  []models.Message
	files     []string
	engine    *rag.Engine
	closed    bool
}

func newSession(id string) *Session {
	return &Session{ID: id, CreatedAt: time.Now().UTC(), state: StateNoDocuments}
}

// View is a copy of the session state safe to render or serialize.
type View struct {
	ID        string           `json:"id"`
	ShortID   string           `json:"short_id"`
	State     State            `json:"state"`
	DocsReady bool             `json:"docs_ready"`
	Files     []string         `json:"files"`
	Messages  []models.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:        s.ID,
		ShortID:   helper.ShortID(s.ID),
		State:     s.state,
		DocsReady: s.docsReady,
		Files:     append([]string(nil), s.files...),
		Messages:  append([]models.Message(nil), s.messages...),
		CreatedAt: s.CreatedAt,
	}
}

// beginProcessing moves the session to processing and returns the state to
// restore on failure.
func (s *Session) beginProcessing() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state, models.ErrSessionNotFound
	}
	if s.busy() {
		return s.state, models.ErrSessionBusy
	}
	prev := s.state
	s.state = StateProcessing
	return prev, nil
}

func (s *Session) finishProcessing(files []string, appendFiles bool, engine *rag.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if appendFiles {
		s.files = append(s.files, files...)
	} else {
		s.files = files
	}
	s.messages = nil
	s.docsReady = true
	s.engine = engine
	s.state = StateReady
}

func (s *Session) restore(prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = prev
}

// beginAnswering returns the engine and a copy of the history. ready is false
// when no documents have been processed yet.
func (s *Session) beginAnswering() (engine *rag.Engine, history []models.Message, ready bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false, models.ErrSessionNotFound
	}
	if s.busy() {
		return nil, nil, false, models.ErrSessionBusy
	}
	if !s.docsReady {
		return nil, nil, false, nil
	}
	s.state = StateAnswering
	return s.engine, append([]models.Message(nil), s.messages...), true, nil
}

// finishAnswering appends the question and answer together, or nothing when
// answering failed.
func (s *Session) finishAnswering(question string, ans *models.Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReady
	if ans == nil {
		return
	}
	now := time.Now().UTC()
	s.messages = append(s.messages,
		models.Message{Role: models.RoleUser, Content: question, CreatedAt: now},
		models.Message{Role: models.RoleAssistant, Content: ans.Text, Sources: ans.Sources, CreatedAt: now},
	)
}

// close ends the session. Nothing can start on it afterwards. A session that
// is processing or answering cannot be closed.
func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy() {
		return models.ErrSessionBusy
	}
	s.closed = true
	return nil
}

func (s *Session) busy() bool {
	return s.state == StateProcessing || s.state == StateAnswering
}

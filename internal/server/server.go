package server

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"

	"smartdocs/internal/config"
	"smartdocs/internal/session"
	"smartdocs/internal/task"
)

type Server struct {
	app   *fiber.App
	cfg   *config.Config
	svc   *session.Service
	tasks *task.Manager
	md    goldmark.Markdown
}

func New(cfg *config.Config, svc *session.Service, tasks *task.Manager) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "smartdocs",
		Immutable:             true, // route params are kept past the request
		BodyLimit:             cfg.Server.BodyLimitMB * 1024 * 1024,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:   app,
		cfg:   cfg,
		svc:   svc,
		tasks: tasks,
		md:    goldmark.New(),
	}

	app.Use(requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Run() error {
	log.Info().Str("addr", s.cfg.Server.Addr).Msg("Server is running")
	return s.app.Listen(s.cfg.Server.Addr)
}

func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(SuccessResponse("ok", nil))
	})

	// browser transcript
	s.app.Get("/", s.newSessionPage)
	s.app.Get("/sessions/:id", s.sessionPage)
	s.app.Post("/sessions/:id/documents", s.uploadForm)
	s.app.Post("/sessions/:id/ask", s.askForm)

	api := s.app.Group("/api")
	api.Post("/sessions", s.createSession)
	api.Get("/sessions/:id", s.getSession)
	api.Delete("/sessions/:id", s.deleteSession)
	api.Post("/sessions/:id/documents", s.processDocuments)
	api.Post("/sessions/:id/questions", s.askQuestion)
	api.Get("/tasks/:id", s.getTask)
	api.Delete("/tasks/:id", s.cancelTask)
}

// requestLogger writes one line per request. Chain errors are rendered here
// so the logged status is the one sent.
func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		log.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Dur("latency", time.Since(start)).
			Msg("Request")
		return nil
	}
}

// readUploads copies the multipart files into memory so they outlive the
// request when processed in the background.
func readUploads(c *fiber.Ctx) ([]session.Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "expected a multipart form with files")
	}
	var uploads []session.Upload
	for _, fh := range form.File["files"] {
		data, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err)
		}
		uploads = append(uploads, session.Upload{Name: fh.Filename, Reader: bytes.NewReader(data)})
	}
	return uploads, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

package server

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"smartdocs/internal/session"
)

type askRequest struct {
	Question string `json:"question" validate:"required"`
}

func (s *Server) createSession(c *fiber.Ctx) error {
	sess, err := s.svc.CreateSession(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(SuccessResponse("Session created", sess.View()))
}

func (s *Server) getSession(c *fiber.Ctx) error {
	sess, err := s.svc.Session(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(SuccessResponse("Success get session", sess.View()))
}

func (s *Server) deleteSession(c *fiber.Ctx) error {
	if err := s.svc.DeleteSession(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(SuccessResponse("Session deleted", nil))
}

func (s *Server) processDocuments(c *fiber.Ctx) error {
	sess, err := s.svc.Session(c.Params("id"))
	if err != nil {
		return err
	}
	id := sess.ID
	uploads, err := readUploads(c)
	if err != nil {
		return err
	}

	if c.QueryBool("async") {
		t := s.tasks.Submit("process", id, func(ctx context.Context) (any, error) {
			return s.svc.ProcessUploads(ctx, id, uploads)
		})
		return c.Status(fiber.StatusAccepted).JSON(SuccessResponse("Processing started", t.Snapshot()))
	}

	res, err := s.svc.ProcessUploads(c.UserContext(), id, uploads)
	if err != nil {
		return err
	}
	return c.JSON(SuccessResponse(res.Notice, res))
}

func (s *Server) askQuestion(c *fiber.Ctx) error {
	sess, err := s.svc.Session(c.Params("id"))
	if err != nil {
		return err
	}
	id := sess.ID
	var req askRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if c.QueryBool("async") {
		t := s.tasks.Submit("ask", id, func(ctx context.Context) (any, error) {
			return s.svc.Ask(ctx, id, req.Question)
		})
		return c.Status(fiber.StatusAccepted).JSON(SuccessResponse("Question accepted", t.Snapshot()))
	}

	res, err := s.svc.Ask(c.UserContext(), id, req.Question)
	if err != nil {
		return err
	}
	return c.JSON(SuccessResponse(askMessage(res), res))
}

func askMessage(res session.AskResult) string {
	if res.Rejected {
		return res.Notice
	}
	return "Success answer question"
}

func (s *Server) getTask(c *fiber.Ctx) error {
	t, err := s.tasks.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(SuccessResponse("Success get task", t.Snapshot()))
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	t, err := s.tasks.Cancel(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(SuccessResponse("Task cancelled", t.Snapshot()))
}

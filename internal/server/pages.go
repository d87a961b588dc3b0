package server

import (
	"bytes"
	"errors"
	"html/template"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"smartdocs/internal/models"
	"smartdocs/internal/session"
)

var pageTemplate = template.Must(template.New("session").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>SmartDocs</title>
<style>
body { font-family: sans-serif; max-width: 52rem; margin: 2rem auto; }
.msg { border-radius: 6px; padding: .6rem 1rem; margin: .6rem 0; }
.user { background: #eef4ff; }
.assistant { background: #f4f4f4; }
.notice { padding: .6rem 1rem; background: #fff4d6; }
.success { padding: .6rem 1rem; background: #e3f7e3; }
details { margin-top: .4rem; font-size: .9rem; }
</style>
</head>
<body>
<h1>SmartDocs</h1>
<p>Session ID: <code>{{.ShortID}}</code> &middot; {{if .DocsReady}}{{len .Files}} document(s) ready{{else}}no documents{{end}}</p>
{{if .Success}}<p class="success">{{.Success}}</p>{{end}}
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}

<form method="post" action="/sessions/{{.ID}}/documents" enctype="multipart/form-data">
<input type="file" name="files" accept=".pdf" multiple>
<button type="submit">Process documents</button>
</form>

{{range .Messages}}
<div class="msg {{.Role}}">
<strong>{{if eq .Role "user"}}You{{else}}Assistant{{end}}</strong>
<div>{{.HTML}}</div>
{{if .Sources}}<details><summary>View sources</summary>
{{range $i, $src := .Sources}}<p><strong>Source {{inc $i}}:</strong> {{$src.Source}} (page {{$src.Page}})<br>{{$src.Excerpt}}</p>
{{end}}</details>{{end}}
</div>
{{end}}

<form method="post" action="/sessions/{{.ID}}/ask">
<input type="text" name="question" placeholder="Ask about your documents..." size="60" autofocus>
<button type="submit">Ask</button>
</form>
</body>
</html>
`))

type pageMessage struct {
	Role    models.Role
	HTML    template.HTML
	Sources []models.Chunk
}

type pageData struct {
	ID        string
	ShortID   string
	DocsReady bool
	Files     []string
	Messages  []pageMessage
	Notice    string
	Success   string
}

func (s *Server) render(c *fiber.Ctx, view session.View, success, notice string) error {
	data := pageData{
		ID:        view.ID,
		ShortID:   view.ShortID,
		DocsReady: view.DocsReady,
		Files:     view.Files,
		Notice:    notice,
		Success:   success,
	}
	for _, m := range view.Messages {
		data.Messages = append(data.Messages, pageMessage{Role: m.Role, HTML: s.markdown(m.Content), Sources: m.Sources})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return err
	}
	c.Type("html", "utf-8")
	return c.Send(buf.Bytes())
}

// markdown renders message text. Raw HTML in the text is escaped.
func (s *Server) markdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(text), &buf); err != nil {
		log.Warn().Err(err).Msg("Failed to render markdown")
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String())
}

func (s *Server) newSessionPage(c *fiber.Ctx) error {
	sess, err := s.svc.CreateSession(c.UserContext())
	if err != nil {
		return err
	}
	return c.Redirect("/sessions/"+sess.ID, fiber.StatusSeeOther)
}

func (s *Server) sessionPage(c *fiber.Ctx) error {
	sess, err := s.svc.Session(c.Params("id"))
	if errors.Is(err, models.ErrSessionNotFound) {
		return c.Redirect("/", fiber.StatusSeeOther)
	}
	if err != nil {
		return err
	}
	return s.render(c, sess.View(), "", "")
}

func (s *Server) uploadForm(c *fiber.Ctx) error {
	sess, err := s.svc.Session(c.Params("id"))
	if err != nil {
		return c.Redirect("/", fiber.StatusSeeOther)
	}
	uploads, err := readUploads(c)
	if err != nil {
		return s.render(c, sess.View(), "", noticeFor(err))
	}
	res, err := s.svc.ProcessUploads(c.UserContext(), sess.ID, uploads)
	if err != nil {
		return s.render(c, sess.View(), "", noticeFor(err))
	}
	return s.render(c, sess.View(), res.Notice, skippedNotice(res))
}

func (s *Server) askForm(c *fiber.Ctx) error {
	sess, err := s.svc.Session(c.Params("id"))
	if err != nil {
		return c.Redirect("/", fiber.StatusSeeOther)
	}
	res, err := s.svc.Ask(c.UserContext(), sess.ID, c.FormValue("question"))
	if err != nil {
		return s.render(c, sess.View(), "", noticeFor(err))
	}
	return s.render(c, sess.View(), "", res.Notice)
}

// noticeFor is the inline text shown for a failed action.
func noticeFor(err error) string {
	switch {
	case errors.Is(err, models.ErrGeneration):
		return "The answer service is unavailable right now, please try again."
	case errors.Is(err, models.ErrSessionBusy):
		return "Still working on your previous request."
	case errors.Is(err, models.ErrNoUploads):
		return "Please choose at least one PDF file."
	case statusFor(err) >= fiber.StatusInternalServerError:
		return "Something went wrong: " + err.Error()
	default:
		return err.Error()
	}
}

func skippedNotice(res session.ProcessResult) string {
	if len(res.Skipped) == 0 {
		return ""
	}
	names := make([]string, len(res.Skipped))
	for i, sk := range res.Skipped {
		names[i] = sk.Name
	}
	return "Skipped unreadable files: " + strings.Join(names, ", ")
}

package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/docbox/internal/events"
	"github.com/fruitsalade/docbox/internal/logging"
	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/protocol"
	"github.com/fruitsalade/docbox/pkg/tree"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendData(w, map[string]any{"status": "ok", "subscribers": s.broadcaster.Count()})
}

// sendError maps an error from the browser to a response. Backend
// failures keep the envelope shape with the server's message.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	if f, ok := client.AsFailure(err); ok {
		sendFailure(w, http.StatusOK, f.Message)
		return
	}
	switch {
	case errors.Is(err, tree.ErrNotFound):
		sendFailure(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tree.ErrNotFolder), errors.Is(err, tree.ErrInvalidMove):
		sendFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, client.ErrMalformedResponse):
		logging.WithContext(r.Context()).Error("malformed backend response", zap.Error(err))
		sendFailure(w, http.StatusBadGateway, protocol.FallbackMessage)
	default:
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		sendFailure(w, http.StatusInternalServerError, protocol.FallbackMessage)
	}
}

// sendResult writes a gateway result. A malformed response is the only
// error a gateway call returns.
func sendResult[T any](w http.ResponseWriter, r *http.Request, res protocol.Result[T], err error) {
	if err != nil {
		sendError(w, r, err)
		return
	}
	if !res.Success {
		sendFailure(w, http.StatusOK, res.Message)
		return
	}
	sendJSON(w, http.StatusOK, apiResponse{Success: true, Message: res.Message, Data: res.Data})
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, chi.URLParam(r, name))
	}
	return id, nil
}

// ids parses the {id} and, if present, {dest} route parameters.
func ids(w http.ResponseWriter, r *http.Request, names ...string) ([]int64, bool) {
	out := make([]int64, len(names))
	for i, n := range names {
		id, err := idParam(r, n)
		if err != nil {
			sendFailure(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		out[i] = id
	}
	return out, true
}

// folderQuery reads the optional folder the document lives in, so a
// document can be mutated from a cold tree.
func folderQuery(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.URL.Query().Get("folder"), 10, 64)
	return id
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Redirect(w, r, "/login?error="+url.QueryEscape("invalid form"), http.StatusFound)
		return
	}
	user, pass := r.FormValue("user"), r.FormValue("pass")
	if user == "" {
		http.Redirect(w, r, "/login?error="+url.QueryEscape("user is required"), http.StatusFound)
		return
	}

	res, err := s.browser.Login(r.Context(), user, pass)
	if err != nil || !res.Success {
		msg := res.Message
		if err != nil || msg == "" {
			msg = protocol.FallbackMessage
		}
		logging.WithContext(r.Context()).Info("login failed", zap.String("user", user), zap.String("message", msg))
		http.Redirect(w, r, "/login?error="+url.QueryEscape(msg), http.StatusFound)
		return
	}
	if err := s.sessions.Issue(w, user); err != nil {
		sendError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.Verify(r); err == nil {
		if res, err := s.browser.Logout(r.Context()); err != nil || !res.Success {
			logging.WithContext(r.Context()).Warn("backend logout failed", zap.String("message", res.Message), zap.Error(err))
		}
	}
	s.sessions.Clear(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	u, err := s.browser.Account(r.Context())
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, u)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.browser.Reload()
	if c := ClaimsFrom(r.Context()); c != nil {
		logging.WithContext(r.Context()).Info("client state reloaded", zap.String("user", c.Login))
	}
	sendData(w, nil)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	root, _ := strconv.ParseInt(r.URL.Query().Get("root"), 10, 64)
	v, err := s.browser.Tree(r.Context(), root)
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, v)
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	children, err := s.browser.Expand(r.Context(), p[0])
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, children)
}

func (s *Server) handleCollapse(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	if err := s.browser.Collapse(p[0]); err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, nil)
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	view, err := s.browser.OpenFolder(r.Context(), p[0])
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, view)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	path, err := s.browser.Breadcrumbs(r.Context(), p[0])
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, path)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		sendFailure(w, http.StatusBadRequest, "invalid form")
		return
	}
	opts := client.FolderOptions{Comment: r.FormValue("comment")}
	if seq := r.FormValue("sequence"); seq != "" {
		v, err := strconv.Atoi(seq)
		if err != nil {
			sendFailure(w, http.StatusBadRequest, "invalid sequence")
			return
		}
		opts.Sequence = v
	}
	res, err := s.browser.CreateFolder(r.Context(), p[0], r.FormValue("name"), opts)
	sendResult(w, r, res, err)
}

func (s *Server) handleMoveFolder(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id", "dest")
	if !ok {
		return
	}
	res, err := s.browser.MoveFolder(r.Context(), p[0], p[1])
	sendResult(w, r, res, err)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	res, err := s.browser.DeleteFolder(r.Context(), p[0])
	sendResult(w, r, res, err)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	doc, err := s.browser.Document(r.Context(), p[0])
	if err != nil {
		sendError(w, r, err)
		return
	}
	sendData(w, doc)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	d, err := s.browser.DocumentContent(r.Context(), p[0])
	if err != nil {
		sendError(w, r, err)
		return
	}
	defer d.Body.Close()

	if d.ContentType != "" {
		w.Header().Set("Content-Type", d.ContentType)
	}
	if d.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	if d.FileName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", d.FileName))
	}
	if _, err := io.Copy(w, d.Body); err != nil {
		logging.WithContext(r.Context()).Debug("content stream interrupted", zap.Error(err))
	}
}

func (s *Server) handleMoveDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id", "dest")
	if !ok {
		return
	}
	var (
		res protocol.Result[struct{}]
		err error
	)
	if folder := folderQuery(r); folder > 0 {
		res, err = s.browser.MoveDocumentFrom(r.Context(), folder, p[0], p[1])
	} else {
		res, err = s.browser.MoveDocument(r.Context(), p[0], p[1])
	}
	sendResult(w, r, res, err)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	var (
		res protocol.Result[struct{}]
		err error
	)
	if folder := folderQuery(r); folder > 0 {
		res, err = s.browser.DeleteDocumentIn(r.Context(), folder, p[0])
	} else {
		res, err = s.browser.DeleteDocument(r.Context(), p[0])
	}
	sendResult(w, r, res, err)
}

// handleUpload streams the "file" part to the backend without buffering
// it. Metadata fields must precede the file part.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := ids(w, r, "id")
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		sendFailure(w, http.StatusBadRequest, "multipart body required")
		return
	}
	size, _ := strconv.ParseInt(r.Header.Get("X-File-Size"), 10, 64)

	var meta protocol.UploadMetadata
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			sendFailure(w, http.StatusBadRequest, "file part missing")
			return
		}
		if err != nil {
			sendFailure(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			value, _ := io.ReadAll(io.LimitReader(part, 64*1024))
			switch part.FormName() {
			case "name":
				meta.Name = string(value)
			case "comment":
				meta.Comment = string(value)
			case "keywords":
				meta.Keywords = string(value)
			case "size":
				size, _ = strconv.ParseInt(string(value), 10, 64)
			}
			part.Close()
			continue
		}

		meta.OrigFileName = part.FileName()
		if size <= 0 {
			sendFailure(w, http.StatusLengthRequired, "file size must be sent before the file part")
			return
		}
		start := time.Now()
		res, err := s.browser.Upload(r.Context(), p[0], part, size, meta, nil)
		logging.WithContext(r.Context()).Debug("upload forwarded",
			zap.Int64("folder_id", p[0]), zap.Duration("duration", time.Since(start)))
		sendResult(w, r, res, err)
		return
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendFailure(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

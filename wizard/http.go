package wizard

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/sitefinder/autosize"
	"github.com/hazyhaar/sitefinder/idgen"
	"github.com/hazyhaar/sitefinder/jobrun"
	"github.com/hazyhaar/sitefinder/kit"
	"github.com/hazyhaar/sitefinder/shield"
	"github.com/hazyhaar/sitefinder/syncbridge"
	"github.com/hazyhaar/sitefinder/viewreg"
)

//go:embed static/sitefinder.js
var pageJS []byte

// SessionCookie names the cookie that ties result views to a browser.
const SessionCookie = "sitefinder_session"

var newSessionID = idgen.NanoID(21)

// Messages shown for refused input. The offending value is never echoed.
const (
	msgInvalid  = "The request is invalid. Check the form values and try again."
	msgRejected = "The request contains characters that are not allowed."
)

// Routes mounts the wizard on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/static/sitefinder.js", handleJS)

	r.Group(func(r chi.Router) {
		r.Use(Session)

		r.Get("/", s.handleForm)
		r.Post("/transcripts", s.handleTranscripts)
		r.Post("/results", s.handleResults)

		r.Route("/views/{viewID}", func(r chi.Router) {
			r.Get("/diagram", s.handlePane(viewreg.PaneDiagram))
			r.Get("/table", s.handlePane(viewreg.PaneTable))
			r.Post("/toggle", s.handleToggle)
			r.Get("/events", s.handleEvents)
			r.Post("/frames/{frame}/fit", s.handleFit)
			r.Delete("/", s.handleClose)
		})
	})
}

// Session ensures every request carries a session id, stored in a cookie and
// in the context through kit.WithSessionID.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
			id = c.Value
		} else {
			id = newSessionID()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := kit.WithSessionID(r.Context(), id)
		if kit.GetRemoteAddr(ctx) == "" {
			ctx = kit.WithRemoteAddr(ctx, shield.TrustedProxies(nil).ClientIP(r))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func handleJS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(pageJS)
}

func (s *Service) handleForm(w http.ResponseWriter, r *http.Request) {
	req := NewAnalysisRequest()
	req.Species = r.URL.Query().Get("species")
	req.Gene = r.URL.Query().Get("gene")
	render(w, http.StatusOK, formTmpl, req)
}

func (s *Service) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, http.StatusBadRequest, msgInvalid)
		return
	}
	req, err := ParseAnalysisRequest(r.PostForm)
	if err != nil {
		renderError(w, http.StatusBadRequest, msgInvalid)
		return
	}
	candidates, err := s.ListTranscripts(r.Context(), req)
	if err != nil {
		s.refuse(w, r, err)
		return
	}
	render(w, http.StatusOK, transcriptsTmpl, struct {
		Request    AnalysisRequest
		Candidates []TranscriptCandidate
	}{req, candidates})
}

func (s *Service) handleResults(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, http.StatusBadRequest, msgInvalid)
		return
	}
	req, err := ParseAnalysisRequest(r.PostForm)
	if err != nil {
		renderError(w, http.StatusBadRequest, msgInvalid)
		return
	}
	v, err := s.Analyze(r.Context(), kit.GetSessionID(r.Context()), req)
	if err != nil {
		s.refuse(w, r, err)
		return
	}

	data := struct {
		ID      string
		Status  Status
		Request AnalysisRequest
		Sites   int
		Orphans int
	}{ID: v.ID, Status: v.Status(), Request: v.Request}
	if idx := v.Index(); idx != nil {
		data.Sites = idx.Len()
		data.Orphans = len(idx.Orphans)
	}
	render(w, http.StatusOK, resultsTmpl, data)
}

// refuse answers a rejected or invalid request with a generic message.
func (s *Service) refuse(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case jobrun.IsRejected(err):
		shield.GetLogger(r.Context()).Warn("wizard: input rejected", "error", err)
		renderError(w, http.StatusBadRequest, msgRejected)
	case errors.Is(err, ErrInvalidRequest):
		renderError(w, http.StatusBadRequest, msgInvalid)
	default:
		shield.GetLogger(r.Context()).Error("wizard: request failed", "error", err)
		renderError(w, http.StatusInternalServerError, "Internal error.")
	}
}

func (s *Service) view(r *http.Request) (*View, error) {
	return s.View(kit.GetSessionID(r.Context()), chi.URLParam(r, "viewID"))
}

func (s *Service) handlePane(pane viewreg.Pane) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.view(r)
		if err != nil {
			renderError(w, http.StatusNotFound, "This result view is no longer available.")
			return
		}
		diagram, table, err := v.Documents()
		if err != nil {
			renderError(w, http.StatusConflict, "The results are not ready.")
			return
		}
		content := table
		if pane == viewreg.PaneDiagram {
			content = diagram
		}
		render(w, http.StatusOK, paneTmpl, struct {
			ID      string
			Pane    viewreg.Pane
			Content template.HTML
		}{v.ID, pane, content})
	}
}

func (s *Service) handleToggle(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4*1024)
	var req struct {
		Site string `json:"site"`
		Pane string `json:"pane"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	pane, err := viewreg.ParsePane(req.Pane)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := v.Toggle(req.Site, pane)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"site": req.Site, "highlighted": state})
	case errors.Is(err, syncbridge.ErrUnknownSite):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrNotReady):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusGone, err)
	}
}

// handleEvents streams bridge events as server-sent events. The first event
// is a snapshot; a "closed" event ends the stream when the view goes away.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	pane, err := viewreg.ParsePane(r.URL.Query().Get("pane"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	events, cancel, err := v.Subscribe(pane)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
			flusher.Flush()
		}
	}
}

func (s *Service) handleFit(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		ContentHeight int `json:"content_height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	fit, err := v.Fit(chi.URLParam(r, "frame"), req.ContentHeight)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"height": fit.Height, "parent": fit.Parent})
	case errors.Is(err, autosize.ErrUnknownFrame):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusConflict, err)
	}
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.CloseView(v.ID)
	w.WriteHeader(http.StatusNoContent)
}

func render(w http.ResponseWriter, code int, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	t.Execute(w, data)
}

func renderError(w http.ResponseWriter, code int, msg string) {
	render(w, code, errorTmpl, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

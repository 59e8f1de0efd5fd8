package web

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"

	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/logging"
	"github.com/go-chi/chi/v5"
)

// maxFieldBytes caps a single non-file form value.
const maxFieldBytes = 64 << 10

// formFields accumulates the non-file fields of one upload in stream order.
// When pinned, the ids came from the URL and form values cannot replace them.
type formFields struct {
	project string
	layer   string
	pinned  bool
}

func (f *formFields) set(name, value string) {
	if f.pinned {
		return
	}
	switch name {
	case "project":
		f.project = value
	case "layer":
		f.layer = value
	}
}

func (f *formFields) complete() bool {
	return f.project != "" && f.layer != ""
}

// handleImportCSV imports a multipart upload whose project and layer fields
// precede the file part.
func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	s.serveImport(w, r, formFields{})
}

// handleLayerImport imports a multipart upload for the project and layer
// named in the URL. Part order does not matter.
func (s *Server) handleLayerImport(w http.ResponseWriter, r *http.Request) {
	s.serveImport(w, r, formFields{
		project: chi.URLParam(r, "project"),
		layer:   chi.URLParam(r, "layer"),
		pinned:  true,
	})
}

func (s *Server) serveImport(w http.ResponseWriter, r *http.Request, fields formFields) {
	resp := &responder{w: w, r: r}

	if r.Method != http.MethodPost {
		resp.fail(importer.ErrMethodNotAllowed, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)
	mr, err := r.MultipartReader()
	if err != nil {
		resp.fail(fmt.Errorf("%w: %w", importer.ErrInvalidForm, err), nil)
		return
	}

	file, err := nextFilePart(mr, &fields)
	if err != nil {
		resp.fail(err, nil)
		return
	}
	// Later parts are never read.

	if !fields.complete() {
		resp.fail(importer.ErrMissingFields, nil)
		return
	}

	res, err := s.importer.Import(r.Context(), importer.Request{
		ProjectID: fields.project,
		LayerID:   fields.layer,
		Source:    file,
		FileName:  file.FileName(),
	})
	if err != nil {
		resp.fail(err, res)
		return
	}
	resp.complete(res)
}

// nextFilePart reads form fields into fields until the first file part and
// returns that part unread.
func nextFilePart(mr *multipart.Reader, fields *formFields) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, importer.ErrNoFile
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", importer.ErrInvalidForm, err)
		}

		if part.FileName() != "" {
			return part, nil
		}

		value, err := readField(part)
		if err != nil {
			return nil, err
		}
		fields.set(part.FormName(), value)
	}
}

func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: field %q: %w", importer.ErrInvalidForm, part.FormName(), err)
	}
	if len(data) > maxFieldBytes {
		return "", fmt.Errorf("%w: field %q exceeds %d bytes", importer.ErrInvalidForm, part.FormName(), maxFieldBytes)
	}
	return string(data), nil
}

// responder writes exactly one response per request. Once completed or
// failed, further calls are logged and dropped.
type responder struct {
	w    http.ResponseWriter
	r    *http.Request
	mu   sync.Mutex
	done bool
}

func (rs *responder) settle(state string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done {
		logging.FromContext(rs.r.Context()).Debug("response already sent", "dropped_state", state)
		return false
	}
	rs.done = true
	return true
}

func (rs *responder) complete(res *importer.Result) {
	if !rs.settle("completed") {
		return
	}
	setResultHeaders(rs.w, res)
	writeJSON(rs.w, http.StatusOK, emptyBody)
}

// fail answers with err. The rest of the upload is never read, so the
// connection is closed instead of drained.
func (rs *responder) fail(err error, res *importer.Result) {
	if !rs.settle("failed") {
		return
	}
	rs.w.Header().Set("Connection", "close")
	setResultHeaders(rs.w, res)
	respondError(rs.w, rs.r, err)
}

func setResultHeaders(w http.ResponseWriter, res *importer.Result) {
	if res == nil {
		return
	}
	h := w.Header()
	h.Set("X-Import-Id", res.ImportID)
	h.Set("X-Import-Rows", strconv.Itoa(res.Rows))
	h.Set("X-Import-Inserted", strconv.Itoa(res.Inserted))
	h.Set("X-Import-Dropped", strconv.Itoa(res.Dropped))
}

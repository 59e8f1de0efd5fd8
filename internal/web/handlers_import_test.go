package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/gndimport/internal/config"
	"github.com/JonMunkholm/gndimport/internal/feature"
	"github.com/JonMunkholm/gndimport/internal/importer"
	"github.com/JonMunkholm/gndimport/internal/store"
)

// part is one multipart section. A non-empty file name makes it a file part.
type part struct {
	name     string
	fileName string
	body     string
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		var err error
		if p.fileName != "" {
			w, cerr := mw.CreateFormFile(p.name, p.fileName)
			if cerr != nil {
				t.Fatal(cerr)
			}
			_, err = w.Write([]byte(p.body))
		} else {
			err = mw.WriteField(p.name, p.body)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func testConfig() *config.Config {
	return &config.Config{
		Upload: config.UploadConfig{MaxFileSize: 1 << 20},
		Import: config.ImportConfig{Workers: 4},
	}
}

type testEnv struct {
	server  *Server
	mem     *store.Memory
	limiter *importer.Limiter
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	limiter := importer.NewLimiter(2, 20*time.Millisecond)
	im := importer.New(mem, importer.Options{
		Workers: cfg.Import.Workers,
		Limiter: limiter,
	})
	s := NewServer(cfg, im, mem)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return &testEnv{server: s, mem: mem, limiter: limiter}
}

func (e *testEnv) post(t *testing.T, path string, parts ...part) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, parts...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body %q is not an error response: %v", rec.Body.String(), err)
	}
	return resp
}

func assertEmptyBody(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if got := strings.TrimSpace(rec.Body.String()); got != "{}" {
		t.Errorf("body = %q, want {}", got)
	}
}

func TestImportCSV_SingleRow(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "trees.csv", body: "id,name,lat,lng,notes\n1,Tree A,37.4,-122.1,healthy\n"},
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	assertEmptyBody(t, rec)
	if rec.Header().Get("X-Import-Inserted") != "1" || rec.Header().Get("X-Import-Dropped") != "0" {
		t.Errorf("import headers = %v", rec.Header())
	}
	if rec.Header().Get("X-Import-Id") == "" {
		t.Error("X-Import-Id missing")
	}

	got := env.mem.Features("P1")
	if len(got) != 1 {
		t.Fatalf("stored %d features, want 1", len(got))
	}
	r := got[0].Record
	if r.LayerID != "L1" || *r.ID != "1" || *r.Caption != "Tree A" {
		t.Errorf("record = %+v", r)
	}
	if r.Location != (feature.Point{Lat: 37.4, Lng: -122.1}) {
		t.Errorf("location = %+v", r.Location)
	}
	if len(r.Attributes) != 1 || r.Attributes["notes"] != "healthy" {
		t.Errorf("attributes = %v", r.Attributes)
	}
}

func TestImportCSV_InvalidRowDropped(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "trees.csv", body: "id,name,lat,lng\n2,Tree B,,-- \n"},
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	assertEmptyBody(t, rec)
	if env.mem.Len() != 0 {
		t.Errorf("stored %d features, want 0", env.mem.Len())
	}
	if rec.Header().Get("X-Import-Dropped") != "1" {
		t.Errorf("X-Import-Dropped = %q, want 1", rec.Header().Get("X-Import-Dropped"))
	}
}

func TestImportCSV_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		parts []part
	}{
		{
			name: "project absent",
			parts: []part{
				{name: "layer", body: "L1"},
				{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
			},
		},
		{
			name: "empty layer",
			parts: []part{
				{name: "project", body: "P1"},
				{name: "layer", body: ""},
				{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
			},
		},
		{
			name: "fields after file",
			parts: []part{
				{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
				{name: "project", body: "P1"},
				{name: "layer", body: "L1"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			rec := env.post(t, "/api/import-csv", tt.parts...)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if code := decodeError(t, rec).Code; code != "IMP001" {
				t.Errorf("code = %q, want IMP001", code)
			}
			if env.mem.Len() != 0 {
				t.Errorf("stored %d features, want 0", env.mem.Len())
			}
		})
	}
}

func TestImportCSV_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, testConfig())

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/api/import-csv", strings.NewReader("ignored"))
			rec := httptest.NewRecorder()
			env.server.Router().ServeHTTP(rec, req)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status = %d, want 405", rec.Code)
			}
			if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
				t.Errorf("Allow = %q, want POST", allow)
			}
			if code := decodeError(t, rec).Code; code != "REQ001" {
				t.Errorf("code = %q, want REQ001", code)
			}
		})
	}
}

func TestImportCSV_NoFile(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
	)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != "FILE004" {
		t.Errorf("code = %q, want FILE004", code)
	}
}

func TestImportCSV_NotMultipart(t *testing.T) {
	env := newTestEnv(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/api/import-csv", strings.NewReader(`{"project":"P1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != "FILE003" {
		t.Errorf("code = %q, want FILE003", code)
	}
}

func TestImportCSV_MalformedCSV(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "bad.csv", body: "lat,lng\n1,2\n3,\"4\n"},
	)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != "FILE002" {
		t.Errorf("code = %q, want FILE002", code)
	}
	if rec.Header().Get("Connection") != "close" {
		t.Errorf("Connection = %q, want close", rec.Header().Get("Connection"))
	}
}

func TestImportCSV_RowPersistFailure(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.mem.FailWith = func(rec *feature.Record) error {
		return errors.New("quota exceeded")
	}

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "a.csv", body: "lat,lng\n1,1\n2,2\n3,3\n4,4\n5,5\n"},
	)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	assertEmptyBody(t, rec)
}

func TestImportCSV_RowPersistFailureWhileUploadStalls(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.mem.FailWith = func(rec *feature.Record) error {
		return errors.New("quota exceeded")
	}

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	mw := multipart.NewWriter(pw)
	go func() {
		_ = mw.WriteField("project", "P1")
		_ = mw.WriteField("layer", "L1")
		w, err := mw.CreateFormFile("file", "a.csv")
		if err != nil {
			return
		}
		// The client sends one row and then stops.
		_, _ = w.Write([]byte("lat,lng\n1,1\n"))
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/import-csv", pr)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.server.Router().ServeHTTP(rec, req)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no response while the upload is stalled")
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("Connection") != "close" {
		t.Errorf("Connection = %q, want close", rec.Header().Get("Connection"))
	}
	assertEmptyBody(t, rec)
}

func TestImportCSV_OutOfRangeCoordinateFailsImport(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.server.importer = importer.New(env.mem, importer.Options{Workers: 1})

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "a.csv", body: "lat,lng\n1,1\n95,1\n3,3\n"},
	)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	assertEmptyBody(t, rec)
	if env.mem.Len() != 1 {
		t.Errorf("stored %d features, want the 1 before the failure", env.mem.Len())
	}
}

func TestLayerImport_PathIDs(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.post(t, "/api/projects/P9/layers/L9/import",
		part{name: "file", fileName: "a.csv", body: "name,lat,lng\nWell,1,2\n"},
		part{name: "project", body: "ignored"},
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	got := env.mem.Features("P9")
	if len(got) != 1 || got[0].Record.LayerID != "L9" {
		t.Fatalf("features = %+v", got)
	}
}

func TestLayerImport_FormFieldsDoNotOverridePath(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.post(t, "/api/projects/P9/layers/L9/import",
		part{name: "project", body: "other"},
		part{name: "layer", body: "other"},
		part{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
	)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(env.mem.Features("other")) != 0 || len(env.mem.Features("P9")) != 1 {
		t.Error("form fields replaced path ids")
	}
}

func TestImportCSV_Busy(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := env.limiter.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	defer env.limiter.Release()
	defer env.limiter.Release()

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
	)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if code := decodeError(t, rec).Code; code != "UPL002" {
		t.Errorf("code = %q, want UPL002", code)
	}
}

func TestImportCSV_BodyTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Upload.MaxFileSize = 512
	env := newTestEnv(t, cfg)

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "big.csv", body: "lat,lng\n" + strings.Repeat("1.5,2.5\n", 1000)},
	)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413; body %s", rec.Code, rec.Body.String())
	}
	if code := decodeError(t, rec).Code; code != "FILE001" {
		t.Errorf("code = %q, want FILE001", code)
	}
}

func TestImportCSV_RequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	env := newTestEnv(t, cfg)

	rec := env.post(t, "/api/import-csv",
		part{name: "project", body: "P1"},
		part{name: "layer", body: "L1"},
		part{name: "file", fileName: "a.csv", body: "lat,lng\n1,2\n"},
	)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env.mem.Len() != 0 {
		t.Errorf("stored %d features, want 0", env.mem.Len())
	}
}

// headerCounter counts WriteHeader calls.
type headerCounter struct {
	*httptest.ResponseRecorder
	calls int
}

func (h *headerCounter) WriteHeader(code int) {
	h.calls++
	h.ResponseRecorder.WriteHeader(code)
}

func TestResponder_RespondsOnce(t *testing.T) {
	w := &headerCounter{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodPost, "/api/import-csv", nil)
	resp := &responder{w: w, r: req}

	rowErr := &importer.RowError{Line: 2, Err: errors.New("boom")}
	resp.fail(rowErr, &importer.Result{ImportID: "x"})
	resp.fail(&importer.RowError{Line: 3, Err: errors.New("boom")}, nil)
	resp.complete(&importer.Result{ImportID: "y"})

	if w.calls != 1 {
		t.Errorf("WriteHeader called %d times, want 1", w.calls)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if w.Header().Get("X-Import-Id") != "x" {
		t.Errorf("X-Import-Id = %q, want x", w.Header().Get("X-Import-Id"))
	}
}

func TestFormFields(t *testing.T) {
	var f formFields
	f.set("project", "P1")
	f.set("other", "ignored")
	if f.complete() {
		t.Error("complete() = true with only project set")
	}
	f.set("layer", "L1")
	f.set("project", "P2") // later value wins
	if !f.complete() || f.project != "P2" {
		t.Errorf("fields = %+v", f)
	}

	pinned := formFields{project: "A", layer: "B", pinned: true}
	pinned.set("project", "C")
	if pinned.project != "A" {
		t.Errorf("pinned project = %q, want A", pinned.project)
	}
}

package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/nhle/incidentwatch/internal/model"
)

// Route names used for call counting and failure injection.
const (
	RouteList     = "list"
	RouteGet      = "get"
	RouteCreate   = "create"
	RouteStatus   = "status"
	RouteUpload   = "upload"
	RouteLogin    = "login"
	RouteRegister = "register"
	RouteHealth   = "health"
)

// RecordedRequest captures what the fake backend received.
type RecordedRequest struct {
	Route         string
	Method        string
	Path          string
	Query         string
	Authorization string
	APIKey        string
	ContentType   string
	Filename      string
	FilePart      string
	FileType      string
}

// FakeAPI is an in-memory incident service served over httptest.
type FakeAPI struct {
	Server *httptest.Server

	mu        sync.Mutex
	incidents []*model.Incident
	nextID    int
	requests  []RecordedRequest
	failures  map[string]int
	ackOnly   bool
	analysis  string
	now       time.Time
}

// NewFakeAPI starts a fake backend and closes it when the test ends.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()

	f := &FakeAPI{
		nextID:   1,
		failures: make(map[string]int),
		analysis: `{"filename":"app.log","analysis":{"headline":"NullPointerException","top_frame":"app.py:42"},"message":"Log file uploaded and analyzed successfully"}`,
		now:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}

	r := mux.NewRouter()
	r.HandleFunc("/incidents/", f.handleList).Methods(http.MethodGet)
	r.HandleFunc("/incidents/", f.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/incidents/{id}", f.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/incidents/{id}/status", f.handleStatus).Methods(http.MethodPut)
	r.HandleFunc("/upload-log", f.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", f.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", f.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/health", f.handleHealth).Methods(http.MethodGet)

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)

	return f
}

// URL returns the fake backend's base URL.
func (f *FakeAPI) URL() string { return f.Server.URL }

// Add stores an incident as if the server had created it and returns it.
// Missing ID, status, severity and created_at are filled in.
func (f *FakeAPI) Add(inc model.Incident) model.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()

	if inc.ID == "" {
		inc.ID = model.ID(strconv.Itoa(f.nextID))
		f.nextID++
	}
	if inc.Status == "" {
		inc.Status = model.StatusOpen
	}
	if inc.Severity == "" {
		inc.Severity = model.SeverityMedium
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = f.now.Add(time.Duration(len(f.incidents)) * time.Minute)
	}
	stored := inc
	f.incidents = append(f.incidents, &stored)
	return stored
}

// Fail makes route answer with status until cleared with status 0.
func (f *FakeAPI) Fail(route string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.failures, route)
		return
	}
	f.failures[route] = status
}

// AckOnly makes status updates answer {"message": ...} instead of the
// record, like the production backend.
func (f *FakeAPI) AckOnly(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackOnly = on
}

// SetAnalysis replaces the upload response body.
func (f *FakeAPI) SetAnalysis(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysis = body
}

// Calls returns how many requests hit route.
func (f *FakeAPI) Calls(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Route == route {
			n++
		}
	}
	return n
}

// TotalCalls returns the number of requests received on any route.
func (f *FakeAPI) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns a copy of every recorded request.
func (f *FakeAPI) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// Incident returns the stored incident with id.
func (f *FakeAPI) Incident(id model.ID) (model.Incident, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inc := f.find(id); inc != nil {
		return *inc, true
	}
	return model.Incident{}, false
}

func (f *FakeAPI) find(id model.ID) *model.Incident {
	for _, inc := range f.incidents {
		if inc.ID == id {
			return inc
		}
	}
	return nil
}

// record logs the request and reports an injected failure status, if any.
func (f *FakeAPI) record(route string, r *http.Request, extra func(*RecordedRequest)) int {
	rec := RecordedRequest{
		Route:         route,
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Authorization: r.Header.Get("Authorization"),
		APIKey:        r.Header.Get("X-API-Key"),
		ContentType:   r.Header.Get("Content-Type"),
	}
	if extra != nil {
		extra(&rec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rec)
	return f.failures[route]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
}

func (f *FakeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteList, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	f.mu.Lock()
	// Newest first, as the backend orders by created_at desc.
	out := make([]model.Incident, 0, len(f.incidents))
	for i := len(f.incidents) - 1; i >= 0; i-- {
		out = append(out, *f.incidents[i])
	}
	f.mu.Unlock()

	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if limit < len(out) {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteGet, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}

	inc, ok := f.Incident(model.ID(mux.Vars(r)["id"]))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Incident not found"})
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (f *FakeAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteCreate, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}

	var d model.Draft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.Title == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{
				{"loc": []any{"body", "title"}, "msg": "Field required", "type": "missing"},
			},
		})
		return
	}

	f.mu.Lock()
	now := f.now
	f.mu.Unlock()

	inc := f.Add(model.Incident{
		Title:        d.Title,
		Description:  d.Description,
		Severity:     d.Severity,
		IncidentType: d.IncidentType,
		SourceIP:     d.SourceIP,
		TargetSystem: d.TargetSystem,
		DetectedAt:   &now,
	})
	writeJSON(w, http.StatusOK, inc)
}

func (f *FakeAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteStatus, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}

	var body struct {
		Status model.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Status.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{
				{"loc": []any{"body", "status"}, "msg": "Input should be 'OPEN', 'INVESTIGATING', 'RESOLVED' or 'CLOSED'"},
			},
		})
		return
	}

	f.mu.Lock()
	inc := f.find(model.ID(mux.Vars(r)["id"]))
	if inc == nil {
		f.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Incident not found"})
		return
	}
	f.now = f.now.Add(time.Minute)
	now := f.now
	inc.Status = body.Status
	inc.UpdatedAt = &now
	if body.Status == model.StatusResolved && inc.ResolvedAt == nil {
		inc.ResolvedAt = &now
	}
	updated := *inc
	ackOnly := f.ackOnly
	f.mu.Unlock()

	if ackOnly {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Status updated successfully"})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (f *FakeAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	var (
		filename, content, fileType string
		parseErr                    error
	)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		parseErr = err
	} else if file, hdr, err := r.FormFile("file"); err != nil {
		parseErr = err
	} else {
		data, _ := io.ReadAll(file)
		file.Close()
		filename, content, fileType = hdr.Filename, string(data), hdr.Header.Get("Content-Type")
	}

	code := f.record(RouteUpload, r, func(rec *RecordedRequest) {
		rec.Filename = filename
		rec.FilePart = content
		rec.FileType = fileType
	})
	if code != 0 {
		writeDetail(w, code)
		return
	}
	if parseErr != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": parseErr.Error()})
		return
	}

	f.mu.Lock()
	body := f.analysis
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (f *FakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteLogin, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Username != "analyst" || body.Password != "s3cret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": "token-analyst", "token_type": "bearer"})
}

func (f *FakeAPI) handleRegister(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteRegister, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}

	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Username == "taken" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Username already registered"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": 7, "username": body.Username, "email": body.Email,
		"is_active": true, "is_admin": false, "created_at": "2024-01-15T10:30:00Z",
	})
}

func (f *FakeAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if code := f.record(RouteHealth, r, nil); code != 0 {
		writeDetail(w, code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "timestamp": "2024-01-15T10:30:00", "version": "1.0.0"})
}

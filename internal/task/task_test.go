package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"kbharvest/internal/config"
	"kbharvest/internal/model"
	"kbharvest/internal/store"
)

func newTestManager(t *testing.T, mutate func(*config.Config)) *Manager {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Source.RetryAttempts = 1
	cfg.Source.RetryBackoffMS = 1
	cfg.Enrich.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(st, cfg, config.Credentials{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.WaitAll(ctx)
		_ = st.Close()
	})
	return m
}

func waitForStatus(t *testing.T, m *Manager, id string, want model.Status) *model.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.GetTask(id)
		if err == nil && got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := m.GetTask(id)
	t.Fatalf("task %s never reached %s (last: %+v, err: %v)", id, want, got, err)
	return nil
}

// wikiPageJSON builds a content REST response for one page.
func wikiPageJSON(id, title, body string, childIDs []string, attachments [][2]string) string {
	children := make([]string, 0, len(childIDs))
	for _, cid := range childIDs {
		children = append(children, fmt.Sprintf(`{"id":%q}`, cid))
	}
	atts := make([]string, 0, len(attachments))
	for _, a := range attachments {
		atts = append(atts, fmt.Sprintf(
			`{"title":%q,"metadata":{"mediaType":%q},"_links":{"download":"/files/%s"}}`,
			a[0], a[1], a[0]))
	}
	return fmt.Sprintf(`{
		"id": %q, "title": %q,
		"body": {"storage": {"value": %q}},
		"children": {
			"page": {"results": [%s]},
			"attachment": {"results": [%s]}
		},
		"_links": {"webui": "/pages/%s"}
	}`, id, title, body, strings.Join(children, ","), strings.Join(atts, ","), id)
}

func TestRunHierarchicalTaskEndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "R":
			fmt.Fprint(w, wikiPageJSON("R", "Root", "", []string{"P1", "P2"}, nil))
		case "P1":
			fmt.Fprint(w, wikiPageJSON("P1", "First", "<p>first page</p>", nil, [][2]string{
				{"img.png", "image/png"},
				{"doc.pdf", "application/pdf"},
			}))
		case "P2":
			fmt.Fprint(w, wikiPageJSON("P2", "Second", "<p>second page</p>", nil, nil))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("name") {
		case "doc.pdf":
			_, _ = w.Write([]byte("%PDF-1.4 stub content"))
		case "img.png":
			t.Error("excluded attachment must never be downloaded")
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.WikiBaseURL = srv.URL
	})

	created, err := m.CreateTask("R", model.ModeWiki, "", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if created.Status != model.StatusPending {
		t.Fatalf("fresh task must be pending, got %s", created.Status)
	}

	done := waitForStatus(t, m, created.ID, model.StatusCompleted)
	if done.TotalItems != 2 || done.SuccessCount != 2 {
		t.Fatalf("unexpected stats: total=%d success=%d", done.TotalItems, done.SuccessCount)
	}
	if done.StartTime == nil || done.EndTime == nil {
		t.Fatalf("terminal task must carry both timestamps")
	}

	pageDir := filepath.Join(done.OutputDir, "page_0")
	for _, want := range []string{"P1.md", "P2.md", filepath.Join("P1-attachments", "doc.pdf")} {
		if _, err := os.Stat(filepath.Join(pageDir, want)); err != nil {
			t.Fatalf("missing %s: %v", want, err)
		}
	}
	if _, err := os.Stat(filepath.Join(pageDir, "P2-attachments")); !os.IsNotExist(err) {
		t.Fatalf("P2 must not get an attachments directory")
	}
	var pngs []string
	_ = filepath.Walk(done.OutputDir, func(path string, _ os.FileInfo, _ error) error {
		if strings.HasSuffix(path, "img.png") {
			pngs = append(pngs, path)
		}
		return nil
	})
	if len(pngs) != 0 {
		t.Fatalf("excluded attachment leaked into output: %v", pngs)
	}

	doc, err := os.ReadFile(filepath.Join(pageDir, "P1.md"))
	if err != nil {
		t.Fatalf("read P1.md: %v", err)
	}
	if !strings.Contains(string(doc), "first page") {
		t.Fatalf("page body missing from export:\n%s", doc)
	}
	if strings.Contains(string(doc), "<p>") {
		t.Fatalf("html markup must be stripped from the body:\n%s", doc)
	}
}

func TestRunPaginatedTaskWithEnrichment(t *testing.T) {
	// Source side: 5 issues on one page, issue 2 carries a poison marker.
	issuesMux := http.NewServeMux()
	issuesMux.HandleFunc("/rest/api/2/search", func(w http.ResponseWriter, _ *http.Request) {
		var issues []map[string]any
		for i := 0; i < 5; i++ {
			desc := "description " + strconv.Itoa(i)
			if i == 2 {
				desc = "poison description"
			}
			issues = append(issues, map[string]any{
				"id": strconv.Itoa(i), "key": "T-" + strconv.Itoa(i),
				"fields": map[string]any{"summary": "s" + strconv.Itoa(i), "description": desc},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"startAt": 0, "maxResults": 50, "total": 5, "issues": issues,
		})
	})
	issueSrv := httptest.NewServer(issuesMux)
	defer issueSrv.Close()

	// Generation side: errors for the poisoned prompt.
	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "poison") {
			http.Error(w, "refused", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ENRICHED"}}]}`)
	}))
	defer chatSrv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.IssueBaseURL = issueSrv.URL
		cfg.Enrich = config.EnrichConfig{
			Enabled: true, Provider: "openai", Model: "test-model",
			APIURL: chatSrv.URL, Concurrency: 5,
		}
	})

	created, err := m.CreateTask("project = T", model.ModeIssues, "", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	done := waitForStatus(t, m, created.ID, model.StatusCompleted)
	if done.TotalItems != 5 || done.SuccessCount != 5 {
		t.Fatalf("unexpected stats: total=%d success=%d", done.TotalItems, done.SuccessCount)
	}

	for i := 0; i < 5; i++ {
		doc, err := os.ReadFile(filepath.Join(done.OutputDir, "page_0", "T-"+strconv.Itoa(i)+".md"))
		if err != nil {
			t.Fatalf("read exported issue %d: %v", i, err)
		}
		enriched := strings.Contains(string(doc), "ENRICHED")
		if i == 2 && enriched {
			t.Fatalf("failed enrichment must keep original content:\n%s", doc)
		}
		if i != 2 && !enriched {
			t.Fatalf("issue %d missing enrichment:\n%s", i, doc)
		}
		if i == 2 && !strings.Contains(string(doc), "poison description") {
			t.Fatalf("original content lost for failed enrichment:\n%s", doc)
		}
	}
}

func TestFilterOverridePerTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "R":
			fmt.Fprint(w, wikiPageJSON("R", "Root", "", []string{"P1"}, nil))
		case "P1":
			fmt.Fprint(w, wikiPageJSON("P1", "First", "<p>x</p>", nil, [][2]string{
				{"img.png", "image/png"},
			}))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("GET /files/{name}", func(w http.ResponseWriter, _ *http.Request) {
		// Minimal PNG header so mime sniffing sees a real image.
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.WikiBaseURL = srv.URL
	})

	// The caller disables filtering for this one task; the default config
	// would have dropped the png on its extension alone.
	created, err := m.CreateTask("R", model.ModeWiki, "", &model.FilterConfig{Enabled: false})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	done := waitForStatus(t, m, created.ID, model.StatusCompleted)

	attPath := filepath.Join(done.OutputDir, "page_0", "P1-attachments", "img.png")
	if _, err := os.Stat(attPath); err != nil {
		t.Fatalf("disabled filter must keep the attachment: %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	m := newTestManager(t, nil)

	if _, err := m.CreateTask("  ", model.ModeWiki, "", nil); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if _, err := m.CreateTask("q", model.Mode("carrier-pigeon"), "", nil); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestAuthenticationFailureFailsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.WikiBaseURL = srv.URL
	})
	created, err := m.CreateTask("R", model.ModeWiki, "", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	done := waitForStatus(t, m, created.ID, model.StatusFailed)
	if !strings.Contains(done.ErrorMessage, "authentication") {
		t.Fatalf("unexpected error message: %q", done.ErrorMessage)
	}
}

func TestDeleteRunningTaskStopsWorker(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	defer once.Do(func() { close(release) })

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.WikiBaseURL = srv.URL
	})
	created, err := m.CreateTask("R", model.ModeWiki, "", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitForStatus(t, m, created.ID, model.StatusRunning)

	if err := m.DeleteTask(created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetTask(created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !m.WaitAll(ctx) {
		t.Fatalf("worker did not stop after deletion")
	}

	if err := m.DeleteTask(created.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
}

func TestTasksQueueBeyondWorkerPool(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.MaxConcurrentTasks = 1
		cfg.Source.WikiBaseURL = srv.URL
	})

	first, err := m.CreateTask("R", model.ModeWiki, "", nil)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	waitForStatus(t, m, first.ID, model.StatusRunning)

	second, err := m.CreateTask("R", model.ModeWiki, "", nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	// With a single slot the second task must stay queued.
	time.Sleep(100 * time.Millisecond)
	got, err := m.GetTask(second.ID)
	if err != nil {
		t.Fatalf("get second: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("second task must remain pending while the pool is full, got %s", got.Status)
	}

	close(release)
	waitForStatus(t, m, first.ID, model.StatusCompleted)
	waitForStatus(t, m, second.ID, model.StatusCompleted)
}

func TestCallbackFiredOnCompletion(t *testing.T) {
	received := make(chan callbackPayload, 1)
	cbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p callbackPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		received <- p
	}))
	defer cbSrv.Close()

	wikiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, wikiPageJSON("R", "Root", "", nil, nil))
	}))
	defer wikiSrv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.WikiBaseURL = wikiSrv.URL
	})
	created, err := m.CreateTask("R", model.ModeWiki, cbSrv.URL, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitForStatus(t, m, created.ID, model.StatusCompleted)

	select {
	case p := <-received:
		if p.TaskID != created.ID || p.Status != string(model.StatusCompleted) {
			t.Fatalf("unexpected callback payload: %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("callback never delivered")
	}
}

func TestFlattenPostPass(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "R":
			fmt.Fprint(w, wikiPageJSON("R", "Root", "", []string{"A", "B"}, nil))
		case "A":
			fmt.Fprint(w, wikiPageJSON("A", "A", "<p>a</p>", nil, nil))
		case "B":
			fmt.Fprint(w, wikiPageJSON("B", "B", "<p>b</p>", nil, nil))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Source.WikiBaseURL = srv.URL
		cfg.FlattenOutput = true
	})
	created, err := m.CreateTask("R", model.ModeWiki, "", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	done := waitForStatus(t, m, created.ID, model.StatusCompleted)

	flatDir := filepath.Join(filepath.Dir(done.OutputDir), "flat")
	for _, want := range []string{"A.md", "B.md"} {
		if _, err := os.Stat(filepath.Join(flatDir, want)); err != nil {
			t.Fatalf("flattened output missing %s: %v", want, err)
		}
	}
}

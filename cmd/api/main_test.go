package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexpierre9/choir-voice-player/internal/auth"
	"github.com/alexpierre9/choir-voice-player/internal/config"
	"github.com/alexpierre9/choir-voice-player/internal/logger"
)

func fakeProcessingService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","gemini_configured":false}`))
	})
	mux.HandleFunc("/api/process-musicxml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"musicxml":"<score-partwise/>","analysis":{"total_parts":1,"parts":[{"index":0,"name":"Soprano","detected_voice":"soprano","note_count":12}]}}`))
	})
	mux.HandleFunc("/api/generate-midi", func(w http.ResponseWriter, r *http.Request) {
		midi := base64.StdEncoding.EncodeToString([]byte("MThd-soprano"))
		_, _ = w.Write([]byte(`{"success":true,"midi_files":{"soprano":"` + midi + `"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, processingURL string) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return &config.Config{
		AppUsername:          "director",
		AppPasswordHash:      string(hash),
		SessionSecret:        "0123456789abcdef0123456789abcdef",
		GinMode:              gin.TestMode,
		CORSAllowedOrigins:   "http://localhost:5173",
		MaxFileSize:          1 << 20,
		MaxPages:             10,
		JobStore:             config.JobStoreMemory,
		DispatchMode:         config.DispatchInline,
		BlobStore:            config.BlobStoreLocal,
		BlobDir:              t.TempDir(),
		ProcessingServiceURL: processingURL,
		HealthTimeout:        time.Second,
		RecognizeTimeout:     5 * time.Second,
		GenerateTimeout:      5 * time.Second,
		SweepInterval:        time.Hour,
		SweepThreshold:       time.Hour,
	}
}

func TestScoreLifecycleThroughRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	proc := fakeProcessingService(t)
	cfg := testConfig(t, proc.URL)

	stack, err := setupJobs(context.Background(), cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("setupJobs: %v", err)
	}
	t.Cleanup(func() { _ = stack.shutdown(context.Background()) })
	router := newRouter(cfg, logger.NewNop(), stack)

	do := func(req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
		for _, c := range cookies {
			req.AddCookie(c)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(httptest.NewRequest(http.MethodGet, "/health", nil), nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"processing":"healthy"`) {
		t.Fatalf("unexpected health: %d %s", rec.Code, rec.Body.String())
	}

	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"director","password":"s3cret"}`))
	loginReq.Header.Set("Content-Type", "application/json")
	rec = do(loginReq, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	token := rec.Header().Get(auth.CSRFHeader)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fw, err := writer.CreateFormFile("file", "ave.musicxml")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><score-partwise version="3.1"></score-partwise>`))
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	uploadReq := httptest.NewRequest(http.MethodPost, "/api/scores", body)
	uploadReq.Header.Set("Content-Type", writer.FormDataContentType())
	uploadReq.Header.Set(auth.CSRFHeader, token)
	rec = do(uploadReq, cookies)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload failed: %d %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = do(httptest.NewRequest(http.MethodGet, "/api/scores/"+accepted.JobID, nil), cookies)
		if rec.Code != http.StatusOK {
			t.Fatalf("status failed: %d %s", rec.Code, rec.Body.String())
		}
		var view struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &view)
		if view.Status == "ready" {
			break
		}
		if view.Status == "failed" {
			t.Fatalf("job failed: %s", rec.Body.String())
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not become ready: %s", rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = do(httptest.NewRequest(http.MethodGet, "/api/scores/"+accepted.JobID+"/midi/soprano", nil), cookies)
	if rec.Code != http.StatusOK || rec.Body.String() != "MThd-soprano" {
		t.Fatalf("unexpected midi: %d %q", rec.Code, rec.Body.String())
	}
}

func TestProtectedRoutesRequireLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t, fakeProcessingService(t).URL)
	stack, err := setupJobs(context.Background(), cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("setupJobs: %v", err)
	}
	t.Cleanup(func() { _ = stack.shutdown(context.Background()) })
	router := newRouter(cfg, logger.NewNop(), stack)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scores/00000000-0000-0000-0000-000000000000", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSplitOrigins(t *testing.T) {
	got := splitOrigins(" http://a.example , ,http://b.example")
	if len(got) != 2 || got[0] != "http://a.example" || got[1] != "http://b.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
}

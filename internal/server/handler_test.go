package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/deployer/internal/artifact"
	"github.com/k11v/deployer/internal/deploy"
	"github.com/k11v/deployer/internal/deploy/deployfs"
	"github.com/k11v/deployer/internal/deploy/deploytest"
)

type starterStub struct {
	attempt   *deploy.Attempt
	err       error
	initiator deploy.Initiator
}

func (s *starterStub) Start(_ context.Context, kind deploy.Kind, initiator deploy.Initiator) (*deploy.Attempt, error) {
	s.initiator = initiator
	if s.err != nil {
		return nil, s.err
	}
	a := *s.attempt
	a.Kind = kind
	a.Initiator = initiator
	return &a, nil
}

type testServer struct {
	Handler http.Handler
	Starter *starterStub
	DB      *deploytest.Database
	Dir     string
}

func NewTestServer(tb testing.TB, checks map[string]Check) *testServer {
	tb.Helper()

	dir := tb.TempDir()
	db := deploytest.NewDatabase()
	profiles := []*deploy.Profile{
		deploy.NewWebDeployProfile(deployfs.NewTrigger(dir, "deploy", nil), nil),
		deploy.NewAPKBuildProfile(deployfs.NewTrigger(dir, "apk-build", nil)),
	}
	service := deploy.NewService(&deploy.ServiceParams{
		Database:  db,
		Locker:    deploytest.NewLocker(),
		Profiles:  profiles,
		Artifacts: artifact.NewDirStore(dir),
	})
	starter := &starterStub{attempt: &deploy.Attempt{
		ID:        uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000"),
		Status:    deploy.StatusBuilding,
		Progress:  10,
		StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	h := NewHandler(&Params{
		Starter:  starter,
		Service:  service,
		Gatherer: prometheus.NewRegistry(),
		Checks:   checks,
	})
	return &testServer{Handler: h, Starter: starter, DB: db, Dir: dir}
}

func (s *testServer) Do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Handler.ServeHTTP(w, req)
	return w
}

func decode[T any](tb testing.TB, w *httptest.ResponseRecorder) T {
	tb.Helper()

	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return v
}

func TestHandlerStartAttempt(t *testing.T) {
	t.Run("starts an attempt for the user", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodPost, "/deployments/web_deploy", http.Header{
			"X-User-Id":    {"42"},
			"X-User-Email": {"admin@example.com"},
		})
		if got, want := w.Code, http.StatusAccepted; got != want {
			t.Fatalf("got %d, want %d: %s", got, want, w.Body)
		}

		resp := decode[map[string]any](t, w)
		if got, want := resp["id"], "aaaaaaaa-0000-0000-0000-000000000000"; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := resp["status"], "building"; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := resp["kind"], "web_deploy"; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := s.Starter.initiator, (deploy.Initiator{UserID: "42", Email: "admin@example.com"}); got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("requires the user id", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodPost, "/deployments/apk_build", nil)
		if got, want := w.Code, http.StatusUnprocessableEntity; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("maps errors to status codes", func(t *testing.T) {
		tests := []struct {
			err  error
			want int
		}{
			{deploy.ErrConflict, http.StatusConflict},
			{deploy.ErrShutdown, http.StatusServiceUnavailable},
			{errors.New("redis is down"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			s := NewTestServer(t, nil)
			s.Starter.err = tt.err

			w := s.Do(http.MethodPost, "/deployments/web_deploy", http.Header{"X-User-Id": {"42"}})
			if w.Code != tt.want {
				t.Fatalf("%v: got %d, want %d", tt.err, w.Code, tt.want)
			}

			resp := decode[map[string]string](t, w)
			if resp["error"] == "" {
				t.Fatalf("%v: want an error message", tt.err)
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(resp["error"], "redis") {
				t.Fatalf("got %q, didn't want internal details", resp["error"])
			}
		}
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodPost, "/deployments/ios_build", http.Header{"X-User-Id": {"42"}})
		if got, want := w.Code, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerGetAttempt(t *testing.T) {
	t.Run("returns the attempt", func(t *testing.T) {
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindAPKBuild, Status: deploy.StatusSigning, Progress: 72, StartedAt: time.Now()})

		w := s.Do(http.MethodGet, "/deployments/apk_build/"+id.String(), nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		resp := decode[map[string]any](t, w)
		if got, want := resp["status"], "signing"; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if got, want := resp["progress"], 72.0; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("doesn't find attempts of another kind", func(t *testing.T) {
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindAPKBuild, Status: deploy.StatusSigning, StartedAt: time.Now()})

		w := s.Do(http.MethodGet, "/deployments/web_deploy/"+id.String(), nil)
		if got, want := w.Code, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodGet, "/deployments/web_deploy/not-a-uuid", nil)
		if got, want := w.Code, http.StatusUnprocessableEntity; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("doesn't find unknown attempts", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodGet, "/deployments/web_deploy/"+uuid.New().String(), nil)
		if got, want := w.Code, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerGetLogs(t *testing.T) {
	t.Run("returns logs after since", func(t *testing.T) {
		ctx := context.Background()
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindWebDeploy, Status: deploy.StatusBuilding, StartedAt: time.Now()})
		for _, message := range []string{"one", "two", "three"} {
			if _, err := s.DB.AppendLog(ctx, &deploy.DatabaseAppendLogParams{AttemptID: id, Level: deploy.LevelInfo, Message: message}); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		type response struct {
			Logs []struct {
				SequenceID int64  `json:"sequence_id"`
				Level      string `json:"level"`
				Message    string `json:"message"`
			} `json:"logs"`
			LastSequenceID int64 `json:"last_sequence_id"`
		}

		w := s.Do(http.MethodGet, "/deployments/web_deploy/"+id.String()+"/logs?since=1", nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		resp := decode[response](t, w)
		if len(resp.Logs) != 2 || resp.Logs[0].Message != "two" || resp.Logs[0].Level != "info" {
			t.Fatalf("got %+v, want two and three", resp.Logs)
		}
		if got, want := resp.LastSequenceID, int64(3); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		w = s.Do(http.MethodGet, "/deployments/web_deploy/"+id.String()+"/logs?since=3", nil)
		resp = decode[response](t, w)
		if resp.Logs == nil || len(resp.Logs) != 0 {
			t.Fatalf("got %+v, want no logs", resp.Logs)
		}
		if got, want := resp.LastSequenceID, int64(3); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("rejects a negative since", func(t *testing.T) {
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindWebDeploy, Status: deploy.StatusBuilding, StartedAt: time.Now()})

		w := s.Do(http.MethodGet, "/deployments/web_deploy/"+id.String()+"/logs?since=-1", nil)
		if got, want := w.Code, http.StatusUnprocessableEntity; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerListAttempts(t *testing.T) {
	t.Run("pages through history", func(t *testing.T) {
		s := NewTestServer(t, nil)
		for i := range 3 {
			s.DB.Put(&deploy.Attempt{ID: uuid.New(), Kind: deploy.KindWebDeploy, Status: deploy.StatusCompleted, StartedAt: time.Now().Add(time.Duration(i) * time.Second)})
		}

		w := s.Do(http.MethodGet, "/deployments/web_deploy?page=2&limit=2", nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		type response struct {
			Attempts []map[string]any `json:"attempts"`
			Total    int              `json:"total"`
			Page     int              `json:"page"`
			PageSize int              `json:"page_size"`
		}
		resp := decode[response](t, w)
		if len(resp.Attempts) != 1 || resp.Total != 3 || resp.Page != 2 || resp.PageSize != 2 {
			t.Fatalf("got %+v, want 1 of 3 attempts on page 2 of size 2", resp)
		}
	})

	t.Run("rejects invalid paging", func(t *testing.T) {
		s := NewTestServer(t, nil)

		for _, query := range []string{"page=0", "limit=abc"} {
			w := s.Do(http.MethodGet, "/deployments/apk_build?"+query, nil)
			if got, want := w.Code, http.StatusUnprocessableEntity; got != want {
				t.Fatalf("%s: got %d, want %d", query, got, want)
			}
		}
	})
}

func TestHandlerCancelAttempt(t *testing.T) {
	t.Run("cancels a running attempt", func(t *testing.T) {
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindWebDeploy, Status: deploy.StatusBuilding, StartedAt: time.Now()})

		w := s.Do(http.MethodPost, "/deployments/web_deploy/"+id.String()+"/cancel", nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d: %s", got, want, w.Body)
		}

		type response struct {
			Message string         `json:"message"`
			Attempt map[string]any `json:"attempt"`
		}
		resp := decode[response](t, w)
		if got, want := resp.Message, "Cancellation requested"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := resp.Attempt["status"], "cancelled"; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("conflicts with a finished attempt", func(t *testing.T) {
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindWebDeploy, Status: deploy.StatusCompleted, StartedAt: time.Now()})

		w := s.Do(http.MethodPost, "/deployments/web_deploy/"+id.String()+"/cancel", nil)
		if got, want := w.Code, http.StatusConflict; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerGetArtifact(t *testing.T) {
	t.Run("sends the APK", func(t *testing.T) {
		s := NewTestServer(t, nil)
		if err := os.WriteFile(filepath.Join(s.Dir, "app-release.apk"), []byte("PK\x03\x04"), 0o644); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{
			ID:        id,
			Kind:      deploy.KindAPKBuild,
			Status:    deploy.StatusCompleted,
			StartedAt: time.Now(),
			Artifact:  &deploy.Artifact{Path: "/out/app.apk", Name: "app-release.apk", SizeBytes: 4},
		})

		w := s.Do(http.MethodGet, "/deployments/apk_build/"+id.String()+"/artifact", nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d: %s", got, want, w.Body)
		}
		if got, want := w.Header().Get("Content-Type"), "application/vnd.android.package-archive"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := w.Header().Get("Content-Disposition"), `attachment; filename="app-release.apk"`; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got, want := w.Header().Get("Content-Length"), "4"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		body, _ := io.ReadAll(w.Body)
		if got, want := string(body), "PK\x03\x04"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("has no artifact for web deploys", func(t *testing.T) {
		s := NewTestServer(t, nil)
		id := uuid.New()
		s.DB.Put(&deploy.Attempt{ID: id, Kind: deploy.KindWebDeploy, Status: deploy.StatusCompleted, StartedAt: time.Now()})

		w := s.Do(http.MethodGet, "/deployments/web_deploy/"+id.String()+"/artifact", nil)
		if got, want := w.Code, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerGetHealth(t *testing.T) {
	t.Run("reports failing checks", func(t *testing.T) {
		s := NewTestServer(t, map[string]Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})

		w := s.Do(http.MethodGet, "/health", nil)
		if got, want := w.Code, http.StatusServiceUnavailable; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		type response struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		resp := decode[response](t, w)
		if resp.Status != "unavailable" || resp.Checks["postgres"] != "ok" || resp.Checks["redis"] != "connection refused" {
			t.Fatalf("got %+v, want redis unavailable", resp)
		}
	})

	t.Run("serves metrics", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodGet, "/metrics", nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerSwagger(t *testing.T) {
	t.Run("serves the API description", func(t *testing.T) {
		s := NewTestServer(t, nil)

		w := s.Do(http.MethodGet, "/swagger/doc.json", nil)
		if got, want := w.Code, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		type response struct {
			Swagger string                    `json:"swagger"`
			Paths   map[string]map[string]any `json:"paths"`
		}
		resp := decode[response](t, w)
		if got, want := resp.Swagger, "2.0"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		wantRoutes := map[string][]string{
			"/deployments/{kind}":               {"post", "get"},
			"/deployments/{kind}/{id}":          {"get"},
			"/deployments/{kind}/{id}/logs":     {"get"},
			"/deployments/{kind}/{id}/cancel":   {"post"},
			"/deployments/{kind}/{id}/artifact": {"get"},
		}
		for path, methods := range wantRoutes {
			for _, method := range methods {
				if _, ok := resp.Paths[path][method]; !ok {
					t.Fatalf("want %s %s described", method, path)
				}
			}
		}
	})
}

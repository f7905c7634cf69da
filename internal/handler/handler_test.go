package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/provasonline/provas/internal/backup"
	"github.com/provasonline/provas/internal/collection"
	"github.com/provasonline/provas/internal/dispatch"
	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/llm"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/store"
	"github.com/provasonline/provas/internal/syncqueue"
)

const testSyncToken = "sync-secret"

type fakeDrainer struct {
	report dispatch.DrainReport
	calls  int
}

func (f *fakeDrainer) Drain(context.Context) (dispatch.DrainReport, error) {
	f.calls++
	return f.report, nil
}

type fakeGenerator struct {
	questions []model.Question
	err       error
}

func (f *fakeGenerator) GenerateQuestions(context.Context, llm.GenerateRequest) ([]model.Question, error) {
	return f.questions, f.err
}

type testEnv struct {
	router  http.Handler
	store   *store.Store
	queue   *syncqueue.Queue
	drainer *fakeDrainer
	gen     *fakeGenerator
	users   map[string]string // name -> user ID
	tokens  map[string]string // name -> bearer token
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("init i18n: %v", err)
	}
	s, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := collection.NewRegistry()
	reg.Register(store.CollSubmissions, collection.NewSubmissions(s))

	q, err := syncqueue.New(t.TempDir(), syncqueue.WithCollectionValidator(reg.Validate))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	eng, err := backup.New(s, backup.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new backup engine: %v", err)
	}

	env := &testEnv{
		store:   s,
		queue:   q,
		drainer: &fakeDrainer{report: dispatch.DrainReport{Processed: 3, Delivered: 2, Failed: 1}},
		gen:     &fakeGenerator{},
		users:   make(map[string]string),
		tokens:  make(map[string]string),
	}
	h, err := New(Deps{
		Store:     s,
		Registry:  reg,
		Queue:     q,
		Backup:    eng,
		Drainer:   env.drainer,
		Generator: env.gen,
		Config:    model.ServerConfig{SyncToken: testSyncToken, Lang: "en", LLMEnabled: true},
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	r := chi.NewRouter()
	r.Use(appI18n.Middleware)
	h.Routes(r)
	env.router = r

	for name, role := range map[string]model.UserRole{
		"admin":  model.UserRoleAdmin,
		"prof":   model.UserRoleProfessor,
		"prof2":  model.UserRoleProfessor,
		"aluno":  model.UserRoleStudent,
		"aluno2": model.UserRoleStudent,
	} {
		env.addUser(t, name, role)
	}
	return env
}

func (e *testEnv) addUser(t *testing.T, name string, role model.UserRole) {
	t.Helper()
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte(name+"-pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	id, err := e.store.CreateUser(ctx, model.User{
		Name:         name,
		Email:        name + "@escola.br",
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	token, err := e.store.CreateAuthSession(ctx, id)
	if err != nil {
		t.Fatalf("create session %s: %v", name, err)
	}
	e.users[name] = id
	e.tokens[name] = token
}

// do sends a request as the named user ("" for anonymous, "sync" for the
// sync service) and decodes the JSON response.
func (e *testEnv) do(t *testing.T, as, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	switch as {
	case "":
	case "sync":
		req.Header.Set("Authorization", "Bearer "+testSyncToken)
	default:
		req.Header.Set("Authorization", "Bearer "+e.tokens[as])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func (e *testEnv) createExam(t *testing.T, as string) string {
	t.Helper()
	code, body := e.do(t, as, http.MethodPost, "/api/provas", map[string]any{
		"titulo":   "Geografia",
		"conteudo": "capitais",
		"questoes": []map[string]any{
			{"pergunta": "Capital do Brasil?", "opcoes": []string{"Rio", "Brasília", "São Paulo", "Salvador"}, "respostaCorreta": 1},
			{"pergunta": "Capital do Peru?", "opcoes": []string{"Lima", "Quito", "Bogotá", "La Paz"}, "respostaCorreta": 0},
		},
	})
	if code != http.StatusCreated {
		t.Fatalf("create exam: %d %v", code, body)
	}
	return body["prova"].(map[string]any)["_id"].(string)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, "", http.MethodGet, "/api/health", nil)
	if code != http.StatusOK || body["success"] != true || body["status"] != "OK" {
		t.Errorf("health: %d %v", code, body)
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"malformed header", "Token " + env.tokens["aluno"], http.StatusUnauthorized},
		{"session token", "Bearer " + env.tokens["aluno"], http.StatusOK},
		{"sync token", "Bearer " + testSyncToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestLoginLogout(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, "", http.MethodPost, "/api/auth/login", map[string]string{
		"email": "aluno@escola.br", "password": "wrong",
	})
	if code != http.StatusUnauthorized || body["error"] != "Invalid email or password" {
		t.Errorf("bad password: %d %v", code, body)
	}

	code, body = env.do(t, "", http.MethodPost, "/api/auth/login", map[string]string{
		"email": "ALUNO@escola.br", "password": "aluno-pw",
	})
	if code != http.StatusOK {
		t.Fatalf("login: %d %v", code, body)
	}
	token := body["token"].(string)
	user := body["user"].(map[string]any)
	if _, ok := user["passwordHash"]; ok {
		t.Error("password hash must not be returned")
	}

	env.tokens["fresh"] = token
	if code, _ := env.do(t, "fresh", http.MethodGet, "/api/auth/me", nil); code != http.StatusOK {
		t.Fatalf("me with fresh token: %d", code)
	}
	if code, _ := env.do(t, "fresh", http.MethodPost, "/api/auth/logout", nil); code != http.StatusOK {
		t.Fatalf("logout: %d", code)
	}
	if code, _ := env.do(t, "fresh", http.MethodGet, "/api/auth/me", nil); code != http.StatusUnauthorized {
		t.Errorf("token should be invalid after logout, got %d", code)
	}
}

func TestRoleChecks(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		as     string
		method string
		path   string
		want   int
	}{
		{"aluno", http.MethodPost, "/api/backup/manual", http.StatusForbidden},
		{"aluno", http.MethodGet, "/api/sync/failed", http.StatusForbidden},
		{"prof", http.MethodGet, "/api/admin/users", http.StatusForbidden},
		{"prof", http.MethodPost, "/api/sync/drain", http.StatusForbidden},
		{"prof", http.MethodGet, "/api/aluno/resultados", http.StatusForbidden},
		{"sync", http.MethodPost, "/api/provas/generate", http.StatusForbidden},
		{"admin", http.MethodGet, "/api/admin/users", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.as+" "+tt.path, func(t *testing.T) {
			code, body := env.do(t, tt.as, tt.method, tt.path, map[string]any{})
			if code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
		})
	}
}

func TestAdminCreatesUsers(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, "admin", http.MethodPost, "/api/admin/users", map[string]string{
		"nome": "Carla", "email": "carla@escola.br", "password": "pw", "role": "professor",
	})
	if code != http.StatusCreated {
		t.Fatalf("create user: %d %v", code, body)
	}
	code, _ = env.do(t, "admin", http.MethodPost, "/api/admin/users", map[string]string{
		"email": "carla@escola.br", "password": "pw",
	})
	if code != http.StatusConflict {
		t.Errorf("duplicate email: %d", code)
	}
	code, _ = env.do(t, "admin", http.MethodPost, "/api/admin/users", map[string]string{
		"email": "x@escola.br", "password": "pw", "role": "sync",
	})
	if code != http.StatusBadRequest {
		t.Errorf("sync role must not be assignable: %d", code)
	}

	_, body = env.do(t, "admin", http.MethodGet, "/api/admin/users", nil)
	users := body["users"].([]any)
	if len(users) != 6 {
		t.Errorf("expected 6 users, got %d", len(users))
	}
}

func TestSyncEndpoint(t *testing.T) {
	env := newTestEnv(t)
	examID := env.createExam(t, "prof")

	code, body := env.do(t, "sync", http.MethodPost, "/api/sync/respostas", map[string]any{
		"action": "create",
		"syncId": "0011223344556677",
		"data": map[string]any{
			"provaId":   examID,
			"alunoId":   env.users["aluno"],
			"respostas": []string{"b", "A"},
			"timestamp": "2024-05-01T10:00:00.000Z",
		},
	})
	if code != http.StatusOK {
		t.Fatalf("sync create: %d %v", code, body)
	}
	if body["syncId"] != "0011223344556677" {
		t.Errorf("syncId not echoed: %v", body)
	}
	if body["message"] != "Sync applied: respostas.create" {
		t.Errorf("unexpected message %v", body["message"])
	}
	result := body["result"].(map[string]any)
	if result["tipo"] != "create" || result["id"] == "" {
		t.Errorf("unexpected result %v", result)
	}

	res, err := env.store.FindResult(context.Background(), examID, env.users["aluno"])
	if err != nil || res == nil || res.Score != 10 {
		t.Fatalf("expected a perfect graded result, got %+v %v", res, err)
	}

	tests := []struct {
		name string
		as   string
		path string
		body map[string]any
		want int
	}{
		{"unsupported collection", "sync", "/api/sync/turmas", map[string]any{"action": "create", "data": map[string]any{}}, http.StatusBadRequest},
		{"unsupported action", "sync", "/api/sync/respostas", map[string]any{"action": "merge", "data": map[string]any{}}, http.StatusBadRequest},
		{"sync without student", "sync", "/api/sync/respostas", map[string]any{"action": "create", "data": map[string]any{"provaId": examID}}, http.StatusBadRequest},
		{"foreign update", "aluno2", "/api/sync/respostas", map[string]any{"action": "update", "data": map[string]any{"id": result["id"]}}, http.StatusForbidden},
		{"missing update", "aluno", "/api/sync/respostas", map[string]any{"action": "update", "data": map[string]any{"id": "missing"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, tt.as, http.MethodPost, tt.path, tt.body)
			if code != tt.want || body["success"] != false {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
		})
	}

	code, body = env.do(t, "sync", http.MethodPost, "/api/sync/turmas", map[string]any{"action": "create"})
	if msg, _ := body["error"].(string); code != http.StatusBadRequest || msg != "Unsupported collection: turmas" {
		t.Errorf("expected localized unsupported message, got %d %v", code, body)
	}
}

func TestOfflineSaveAndStatus(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, "aluno", http.MethodPost, "/api/provas/offline/save", map[string]any{
		"provaId": "p1", "respostas": []string{"A", "C"}, "tempoGasto": 120,
	})
	if code != http.StatusOK {
		t.Fatalf("offline save: %d %v", code, body)
	}
	id := body["syncId"].(string)
	if len(id) != 16 {
		t.Errorf("unexpected sync id %q", id)
	}

	data, err := os.ReadFile(filepath.Join(env.queue.Dir(), "sync-"+id+".json"))
	if err != nil {
		t.Fatalf("queue file: %v", err)
	}
	var item model.SyncItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(item.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if item.Collection != "respostas" || item.Action != model.ActionCreate {
		t.Errorf("unexpected item %+v", item)
	}
	if payload["alunoId"] != env.users["aluno"] || payload["tempoGasto"] != float64(120) || payload["timestamp"] == "" {
		t.Errorf("unexpected payload %v", payload)
	}

	code, body = env.do(t, "aluno", http.MethodGet, "/api/provas/offline/pending", nil)
	if code != http.StatusOK || body["pending"] != float64(1) || body["online"] != true {
		t.Errorf("pending: %d %v", code, body)
	}

	code, _ = env.do(t, "aluno", http.MethodPost, "/api/provas/offline/save", map[string]any{"respostas": []string{"A"}})
	if code != http.StatusBadRequest {
		t.Errorf("save without exam: %d", code)
	}
}

func TestDeadLetterRetry(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.queue.Enqueue(store.CollSubmissions, model.ActionCreate, map[string]string{"provaId": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.queue.MoveToDeadLetter(filepath.Join(env.queue.Dir(), "sync-"+id+".json")); err != nil {
		t.Fatal(err)
	}

	code, body := env.do(t, "admin", http.MethodGet, "/api/sync/status", nil)
	if code != http.StatusOK || body["pending"] != float64(0) || body["failed"] != float64(1) {
		t.Errorf("status: %d %v", code, body)
	}
	_, body = env.do(t, "prof", http.MethodGet, "/api/sync/failed", nil)
	if items := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one dead letter, got %v", body)
	}

	if code, _ := env.do(t, "prof", http.MethodPost, "/api/sync/failed/"+id+"/retry", nil); code != http.StatusOK {
		t.Fatalf("retry: %d", code)
	}
	if code, _ := env.do(t, "prof", http.MethodPost, "/api/sync/failed/"+id+"/retry", nil); code != http.StatusNotFound {
		t.Errorf("second retry should be 404, got %d", code)
	}
	if st := env.queue.Status(); st.Pending != 1 {
		t.Errorf("item should be pending again, got %+v", st)
	}
}

func TestSyncDrain(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, "admin", http.MethodPost, "/api/sync/drain", nil)
	if code != http.StatusOK || env.drainer.calls != 1 {
		t.Fatalf("drain: %d %v", code, body)
	}
	if body["message"] != "Queue processed: 2 delivered, 1 failed" {
		t.Errorf("unexpected message %v", body["message"])
	}
	report := body["report"].(map[string]any)
	if report["processed"] != float64(3) {
		t.Errorf("unexpected report %v", report)
	}
}

func TestBackupEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	examID := env.createExam(t, "prof")

	code, body := env.do(t, "prof", http.MethodPost, "/api/backup/manual", nil)
	if code != http.StatusOK {
		t.Fatalf("manual backup: %d %v", code, body)
	}
	file := body["file"].(string)
	if !strings.HasPrefix(file, "backup-") {
		t.Errorf("unexpected file %q", file)
	}
	if v, _ := env.store.GetMetadata(ctx, store.MetaLastBackupFile); v != file {
		t.Errorf("last backup file = %q, want %q", v, file)
	}

	_, body = env.do(t, "prof", http.MethodGet, "/api/backup/list", nil)
	backups := body["backups"].([]any)
	if len(backups) != 1 || backups[0].(map[string]any)["name"] != file || body["lastBackup"] == "" {
		t.Errorf("unexpected list %v", body)
	}

	if code, _ := env.do(t, "prof", http.MethodPost, "/api/backup/restore/"+file, nil); code != http.StatusForbidden {
		t.Errorf("professor restore should be forbidden, got %d", code)
	}

	if _, err := env.store.DeleteAll(ctx, store.CollExams); err != nil {
		t.Fatal(err)
	}
	code, body = env.do(t, "admin", http.MethodPost, "/api/backup/restore/"+file, nil)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("restore: %d %v", code, body)
	}
	if exam, _ := env.store.GetExam(ctx, examID); exam == nil {
		t.Error("exam should be back after restore")
	}

	for _, name := range []string{"backup-missing.json", "summary-x.json", "..%2Fetc"} {
		if code, _ := env.do(t, "admin", http.MethodPost, "/api/backup/restore/"+name, nil); code != http.StatusNotFound {
			t.Errorf("restore %s: got %d, want 404", name, code)
		}
	}
}

func TestExamLifecycle(t *testing.T) {
	env := newTestEnv(t)
	examID := env.createExam(t, "prof")

	req := httptest.NewRequest(http.MethodGet, "/api/provas/"+examID, nil)
	req.Header.Set("Authorization", "Bearer "+env.tokens["aluno"])
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("student get exam: %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "respostaCorreta") {
		t.Error("students must not see the answer key")
	}

	if code, body := env.do(t, "aluno", http.MethodPost, "/api/sync/respostas", map[string]any{
		"action": "create",
		"data":   map[string]any{"provaId": examID, "respostas": []string{"B", "C"}},
	}); code != http.StatusOK {
		t.Fatalf("submit: %d %v", code, body)
	}

	_, body := env.do(t, "aluno", http.MethodGet, "/api/aluno/resultados", nil)
	if n := len(body["resultados"].([]any)); n != 0 {
		t.Errorf("unreleased results must be hidden, got %d", n)
	}

	if code, _ := env.do(t, "prof2", http.MethodPost, "/api/provas/"+examID+"/liberar-notas", nil); code != http.StatusForbidden {
		t.Errorf("other professor release: %d", code)
	}
	if code, _ := env.do(t, "prof", http.MethodPost, "/api/provas/missing/liberar-notas", nil); code != http.StatusNotFound {
		t.Errorf("missing exam release: %d", code)
	}
	code, body := env.do(t, "prof", http.MethodPost, "/api/provas/"+examID+"/liberar-notas", nil)
	if code != http.StatusOK || body["released"] != float64(1) || body["message"] != "1 score released" {
		t.Fatalf("release: %d %v", code, body)
	}

	_, body = env.do(t, "aluno", http.MethodGet, "/api/aluno/resultados", nil)
	results := body["resultados"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["nota"] != float64(5) {
		t.Errorf("unexpected released results %v", results)
	}

	_, body = env.do(t, "prof", http.MethodGet, "/api/provas/"+examID+"/resultados", nil)
	if n := len(body["resultados"].([]any)); n != 1 {
		t.Errorf("professor should see 1 result, got %d", n)
	}
}

func TestCreateExamValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"no title", map[string]any{"conteudo": "x"}},
		{"answer out of range", map[string]any{"titulo": "t", "questoes": []map[string]any{
			{"pergunta": "q", "opcoes": []string{"a", "b"}, "respostaCorreta": 2},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := env.do(t, "prof", http.MethodPost, "/api/provas", tt.body); code != http.StatusBadRequest {
				t.Errorf("status = %d (%v)", code, body)
			}
		})
	}
}

func TestGenerateQuestions(t *testing.T) {
	env := newTestEnv(t)
	env.gen.questions = []model.Question{
		{Question: "q1", Options: []string{"a", "b", "c", "d"}, CorrectAnswer: 2},
	}

	code, body := env.do(t, "prof", http.MethodPost, "/api/provas/generate", map[string]any{
		"conteudo": "frações", "numQuestoes": 1, "dificuldade": "facil",
	})
	if code != http.StatusOK || body["fallback"] != false || body["message"] != "1 question generated" {
		t.Fatalf("generate: %d %v", code, body)
	}

	env.gen.err = errors.New("model down")
	_, body = env.do(t, "prof", http.MethodPost, "/api/provas/generate", map[string]any{
		"conteudo": "frações", "numQuestoes": 2,
	})
	qs := body["questoes"].([]any)
	if body["fallback"] != true || len(qs) != 2 {
		t.Fatalf("expected 2 fallback questions, got %v", body)
	}
	if qs[0].(map[string]any)["respostaCorreta"] != float64(3) {
		t.Errorf("fallback answer should be D, got %v", qs[0])
	}

	if code, _ := env.do(t, "prof", http.MethodPost, "/api/provas/generate", map[string]any{}); code != http.StatusBadRequest {
		t.Errorf("empty content: %d", code)
	}
}

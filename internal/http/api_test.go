package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"piquante-api/internal/auth"
	"piquante-api/internal/janitor"
	"piquante-api/internal/repository/sqlite"
	"piquante-api/internal/service"
	"piquante-api/internal/storage"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

type testServer struct {
	router   *gin.Engine
	janitor  janitor.Janitor
	auth     *auth.Authenticator
	imageDir string
}

func newTestServer(t *testing.T, configure ...func(*Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "test.db"), time.Second)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sauceRepo := sqlite.NewSauceRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	if err := sauceRepo.Init(ctx); err != nil {
		t.Fatalf("init sauces: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		t.Fatalf("init users: %v", err)
	}

	imageDir := filepath.Join(dir, "images")
	store, err := storage.NewLocalService(imageDir, "/images")
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	j := janitor.New(janitor.Config{Workers: 1, Logger: logger}, store)
	if err := j.Start(ctx); err != nil {
		t.Fatalf("start janitor: %v", err)
	}
	t.Cleanup(j.Shutdown)

	authn, err := auth.NewAuthenticator("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	locker := service.NewLocker()
	opts := Options{
		Sauces: service.NewSauceService(service.SauceServiceConfig{
			Sauces:  sauceRepo,
			Storage: store,
			Janitor: j,
			Locker:  locker,
			Logger:  logger,
		}),
		Votes:     service.NewVoteService(sauceRepo, locker, logger),
		Users:     service.NewUserService(userRepo, authn, bcrypt.MinCost),
		Tokens:    authn,
		Logger:    logger,
		ImageDir:  store.Dir(),
		ImagePath: store.PublicPath(),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	router := gin.New()
	NewHandler(opts).RegisterRoutes(router)
	return &testServer{router: router, janitor: j, auth: authn, imageDir: imageDir}
}

func (s *testServer) do(t *testing.T, method, target, token, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJSON(t *testing.T, method, target, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return s.do(t, method, target, token, "application/json", bytes.NewReader(body))
}

func (s *testServer) register(t *testing.T, email string) (string, string) {
	t.Helper()
	creds := map[string]string{"email": email, "password": "supersecret"}
	if rec := s.doJSON(t, http.MethodPost, "/api/auth/signup", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body = %s", rec.Code, rec.Body)
	}
	rec := s.doJSON(t, http.MethodPost, "/api/auth/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	decode(t, rec, &resp)
	return resp.UserID, resp.Token
}

func (s *testServer) createSauce(t *testing.T, token string) SauceResponse {
	t.Helper()
	body, contentType := sauceForm(t, sauceJSON("Inferno", 8), "image", "hot.png", pngBytes)
	rec := s.do(t, http.MethodPost, "/api/sauces", token, contentType, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Sauce SauceResponse `json:"sauce"`
	}
	decode(t, rec, &resp)
	return resp.Sauce
}

func (s *testServer) getSauce(t *testing.T, id string) SauceResponse {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/sauces/"+id, "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body)
	}
	var sauce SauceResponse
	decode(t, rec, &sauce)
	return sauce
}

func (s *testServer) imageExists(imageURL string) bool {
	_, err := os.Stat(filepath.Join(s.imageDir, path.Base(imageURL)))
	return err == nil
}

func sauceJSON(name string, heat int) string {
	return `{"name":"` + name + `","manufacturer":"Acme","description":"burns","mainPepper":"reaper","heat":` + strconv.Itoa(heat) + `}`
}

func sauceForm(t *testing.T, sauce, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("sauce", sauce); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if content != nil {
		fw, err := w.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body, err)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/api/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestSignupAndLogin(t *testing.T) {
	srv := newTestServer(t)
	userID, token := srv.register(t, "chef@example.com")
	if userID == "" || token == "" {
		t.Fatalf("login returned userId=%q token=%q", userID, token)
	}

	creds := map[string]string{"email": "chef@example.com", "password": "supersecret"}
	if rec := srv.doJSON(t, http.MethodPost, "/api/auth/signup", "", creds); rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate signup status = %d, want 400", rec.Code)
	}

	bad := map[string]string{"email": "not-an-email", "password": "supersecret"}
	if rec := srv.doJSON(t, http.MethodPost, "/api/auth/signup", "", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid email status = %d, want 400", rec.Code)
	}
}

func TestSignupRejectsOverlongPassword(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.doJSON(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email":    "chef@example.com",
		"password": strings.Repeat("x", 80),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body)
	}
}

func TestTokenForUnknownAccountIsRejected(t *testing.T) {
	srv := newTestServer(t)
	_, ownerToken := srv.register(t, "owner@example.com")
	sauce := srv.createSauce(t, ownerToken)

	token, err := srv.auth.Issue("no-such-user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := srv.doJSON(t, http.MethodPost, "/api/sauces/"+sauce.ID+"/like", token, map[string]any{"like": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := srv.getSauce(t, sauce.ID); got.Likes != 0 {
		t.Errorf("likes = %d, want 0", got.Likes)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	srv.register(t, "chef@example.com")

	rec := srv.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "chef@example.com",
		"password": "not-the-password",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "token") {
		t.Errorf("failed login returned a token: %s", rec.Body)
	}
}

func TestCreateAndReadSauce(t *testing.T) {
	srv := newTestServer(t)
	userID, token := srv.register(t, "chef@example.com")

	created := srv.createSauce(t, token)
	if created.UserID != userID || created.Heat != 8 || created.Likes != 0 {
		t.Errorf("unexpected sauce: %+v", created)
	}
	if !strings.HasPrefix(created.ImageURL, "http://example.com/images/") || !strings.HasSuffix(created.ImageURL, ".png") {
		t.Errorf("imageUrl = %q", created.ImageURL)
	}
	if created.UsersLiked == nil || created.UsersDisliked == nil {
		t.Error("voter lists must be empty arrays, not null")
	}

	got := srv.getSauce(t, created.ID)
	if got.Name != "Inferno" {
		t.Errorf("name = %q", got.Name)
	}

	rec := srv.do(t, http.MethodGet, "/api/sauces", "", "", nil)
	var list []SauceResponse
	decode(t, rec, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	imagePath := strings.TrimPrefix(created.ImageURL, "http://example.com")
	if rec := srv.do(t, http.MethodGet, imagePath, "", "", nil); rec.Code != http.StatusOK {
		t.Errorf("image status = %d", rec.Code)
	}
}

func TestCreateSauceRejections(t *testing.T) {
	srv := newTestServer(t)
	_, token := srv.register(t, "chef@example.com")

	body, contentType := sauceForm(t, sauceJSON("Inferno", 8), "image", "hot.png", pngBytes)
	if rec := srv.do(t, http.MethodPost, "/api/sauces", "", contentType, body); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	body, contentType = sauceForm(t, sauceJSON("Inferno", 8), "image", "hot.png", pngBytes)
	if rec := srv.do(t, http.MethodPost, "/api/sauces", "garbage", contentType, body); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}

	body, contentType = sauceForm(t, sauceJSON("Inferno", 8), "image", "hot.png", []byte("plain text pretending"))
	if rec := srv.do(t, http.MethodPost, "/api/sauces", token, contentType, body); rec.Code != http.StatusBadRequest {
		t.Errorf("non image status = %d, want 400", rec.Code)
	}

	body, contentType = sauceForm(t, sauceJSON("Inferno", 11), "image", "hot.png", pngBytes)
	if rec := srv.do(t, http.MethodPost, "/api/sauces", token, contentType, body); rec.Code != http.StatusBadRequest {
		t.Errorf("heat 11 status = %d, want 400", rec.Code)
	}

	body, contentType = sauceForm(t, sauceJSON("Inferno", 8), "image", "", nil)
	if rec := srv.do(t, http.MethodPost, "/api/sauces", token, contentType, body); rec.Code != http.StatusBadRequest {
		t.Errorf("missing image status = %d, want 400", rec.Code)
	}

	mismatch := `{"userId":"someone-else","name":"X","manufacturer":"Acme","description":"d","mainPepper":"p","heat":3}`
	body, contentType = sauceForm(t, mismatch, "image", "hot.png", pngBytes)
	if rec := srv.do(t, http.MethodPost, "/api/sauces", token, contentType, body); rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign userId status = %d, want 401", rec.Code)
	}

	entries, _ := os.ReadDir(srv.imageDir)
	if len(entries) != 0 {
		t.Errorf("rejected creates stored images: %v", entries)
	}
}

func TestCreateSauceUploadLimit(t *testing.T) {
	srv := newTestServer(t, func(o *Options) { o.MaxUploadBytes = 512 })
	_, token := srv.register(t, "chef@example.com")

	big := append(append([]byte{}, pngBytes...), make([]byte, 4096)...)
	body, contentType := sauceForm(t, sauceJSON("Inferno", 8), "image", "hot.png", big)
	if rec := srv.do(t, http.MethodPost, "/api/sauces", token, contentType, body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

type voteResponse struct {
	Message  string `json:"message"`
	Likes    int    `json:"likes"`
	Dislikes int    `json:"dislikes"`
}

func TestVoteScenario(t *testing.T) {
	srv := newTestServer(t)
	_, ownerToken := srv.register(t, "owner@example.com")
	voterID, voterToken := srv.register(t, "voter@example.com")
	sauce := srv.createSauce(t, ownerToken)
	target := "/api/sauces/" + sauce.ID + "/like"

	steps := []struct {
		like     int
		likes    int
		dislikes int
	}{
		{like: 1, likes: 1, dislikes: 0},
		{like: 1, likes: 1, dislikes: 0},
		{like: 0, likes: 0, dislikes: 0},
		{like: -1, likes: 0, dislikes: 1},
		{like: 1, likes: 1, dislikes: 0},
	}
	for i, step := range steps {
		rec := srv.doJSON(t, http.MethodPost, target, voterToken, map[string]any{"userId": voterID, "like": step.like})
		if rec.Code != http.StatusOK {
			t.Fatalf("step %d: status = %d, body = %s", i, rec.Code, rec.Body)
		}
		var resp voteResponse
		decode(t, rec, &resp)
		if resp.Likes != step.likes || resp.Dislikes != step.dislikes {
			t.Fatalf("step %d: likes/dislikes = %d/%d, want %d/%d", i, resp.Likes, resp.Dislikes, step.likes, step.dislikes)
		}

		got := srv.getSauce(t, sauce.ID)
		if len(got.UsersLiked) != step.likes || len(got.UsersDisliked) != step.dislikes {
			t.Fatalf("step %d: usersLiked=%v usersDisliked=%v", i, got.UsersLiked, got.UsersDisliked)
		}
		if got.Likes != len(got.UsersLiked) || got.Dislikes != len(got.UsersDisliked) {
			t.Fatalf("step %d: counters out of sync: %+v", i, got)
		}
	}
}

func TestVoteRejections(t *testing.T) {
	srv := newTestServer(t)
	_, token := srv.register(t, "voter@example.com")
	sauce := srv.createSauce(t, token)
	target := "/api/sauces/" + sauce.ID + "/like"

	if rec := srv.doJSON(t, http.MethodPost, target, "", map[string]any{"like": 1}); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}
	if rec := srv.doJSON(t, http.MethodPost, target, token, map[string]any{"like": 2}); rec.Code != http.StatusBadRequest {
		t.Errorf("like=2 status = %d, want 400", rec.Code)
	}
	if rec := srv.doJSON(t, http.MethodPost, target, token, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing like status = %d, want 400", rec.Code)
	}
	if rec := srv.doJSON(t, http.MethodPost, target, token, map[string]any{"userId": "someone-else", "like": 1}); rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign userId status = %d, want 401", rec.Code)
	}
	if rec := srv.doJSON(t, http.MethodPost, "/api/sauces/missing/like", token, map[string]any{"like": 1}); rec.Code != http.StatusNotFound {
		t.Errorf("missing sauce status = %d, want 404", rec.Code)
	}

	got := srv.getSauce(t, sauce.ID)
	if got.Likes != 0 || got.Dislikes != 0 {
		t.Errorf("rejected votes changed counters: %+v", got)
	}
}

func TestNonOwnerCannotModify(t *testing.T) {
	srv := newTestServer(t)
	_, ownerToken := srv.register(t, "owner@example.com")
	_, otherToken := srv.register(t, "other@example.com")
	sauce := srv.createSauce(t, ownerToken)

	edit := map[string]any{"name": "Hijacked", "manufacturer": "Evil", "description": "d", "mainPepper": "p", "heat": 1}
	if rec := srv.doJSON(t, http.MethodPut, "/api/sauces/"+sauce.ID, otherToken, edit); rec.Code != http.StatusBadRequest {
		t.Errorf("update status = %d, want 400", rec.Code)
	}

	body, contentType := sauceForm(t, sauceJSON("Hijacked", 1), "image", "evil.png", pngBytes)
	if rec := srv.do(t, http.MethodPut, "/api/sauces/"+sauce.ID, otherToken, contentType, body); rec.Code != http.StatusBadRequest {
		t.Errorf("multipart update status = %d, want 400", rec.Code)
	}

	if rec := srv.do(t, http.MethodDelete, "/api/sauces/"+sauce.ID, otherToken, "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("delete status = %d, want 400", rec.Code)
	}
	srv.janitor.Shutdown()

	got := srv.getSauce(t, sauce.ID)
	if got.Name != "Inferno" || got.ImageURL != sauce.ImageURL {
		t.Errorf("sauce changed by non-owner: %+v", got)
	}
	entries, _ := os.ReadDir(srv.imageDir)
	if len(entries) != 1 || !srv.imageExists(sauce.ImageURL) {
		t.Errorf("images changed by non-owner: %v", entries)
	}
}

func TestOwnerUpdatesSauce(t *testing.T) {
	srv := newTestServer(t)
	_, token := srv.register(t, "owner@example.com")
	sauce := srv.createSauce(t, token)

	edit := map[string]any{"name": "Inferno XL", "manufacturer": "Acme", "description": "hotter", "mainPepper": "reaper", "heat": 10}
	rec := srv.doJSON(t, http.MethodPut, "/api/sauces/"+sauce.ID, token, edit)
	if rec.Code != http.StatusOK {
		t.Fatalf("json update status = %d, body = %s", rec.Code, rec.Body)
	}
	got := srv.getSauce(t, sauce.ID)
	if got.Name != "Inferno XL" || got.Heat != 10 || got.ImageURL != sauce.ImageURL {
		t.Errorf("after json update: %+v", got)
	}

	body, contentType := sauceForm(t, sauceJSON("Inferno XXL", 10), "image", "new.png", pngBytes)
	rec = srv.do(t, http.MethodPut, "/api/sauces/"+sauce.ID, token, contentType, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("multipart update status = %d, body = %s", rec.Code, rec.Body)
	}
	srv.janitor.Shutdown()

	got = srv.getSauce(t, sauce.ID)
	if got.Name != "Inferno XXL" || got.ImageURL == sauce.ImageURL {
		t.Errorf("after multipart update: %+v", got)
	}
	if srv.imageExists(sauce.ImageURL) {
		t.Error("replaced image still on disk")
	}
	if !srv.imageExists(got.ImageURL) {
		t.Error("new image missing")
	}
}

func TestOwnerDeletesSauce(t *testing.T) {
	srv := newTestServer(t)
	_, token := srv.register(t, "owner@example.com")
	sauce := srv.createSauce(t, token)

	if rec := srv.do(t, http.MethodDelete, "/api/sauces/"+sauce.ID, token, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body)
	}
	srv.janitor.Shutdown()

	if rec := srv.do(t, http.MethodGet, "/api/sauces/"+sauce.ID, "", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
	if srv.imageExists(sauce.ImageURL) {
		t.Error("image still on disk after delete")
	}
	if rec := srv.do(t, http.MethodDelete, "/api/sauces/"+sauce.ID, token, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	t.Cleanup(limiter.Close)
	srv := newTestServer(t, func(o *Options) {
		o.Limiter = limiter
		o.RateLimit = 2
		o.RateWindow = time.Minute
	})

	for i := 0; i < 2; i++ {
		rec := srv.do(t, http.MethodGet, "/api/health", "", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := srv.do(t, http.MethodGet, "/api/health", "", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestUserRateLimitIsPerAccount(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	t.Cleanup(limiter.Close)
	srv := newTestServer(t, func(o *Options) {
		o.Limiter = limiter
		o.UserRateLimit = 2
		o.RateWindow = time.Minute
	})
	_, aliceToken := srv.register(t, "alice@example.com")
	_, bobToken := srv.register(t, "bob@example.com")
	sauce := srv.createSauce(t, aliceToken)
	target := "/api/sauces/" + sauce.ID + "/like"

	if rec := srv.doJSON(t, http.MethodPost, target, aliceToken, map[string]any{"like": 1}); rec.Code != http.StatusOK {
		t.Fatalf("alice vote status = %d", rec.Code)
	}
	rec := srv.doJSON(t, http.MethodPost, target, aliceToken, map[string]any{"like": 0})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("alice third request status = %d, want 429", rec.Code)
	}

	rec = srv.doJSON(t, http.MethodPost, target, bobToken, map[string]any{"like": -1})
	if rec.Code != http.StatusOK {
		t.Fatalf("bob vote status = %d, want 200 from the same address", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
}

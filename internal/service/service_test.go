package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"piquante-api/internal/auth"
	"piquante-api/internal/domain"
	"piquante-api/internal/janitor"
	"piquante-api/internal/repository"
	"piquante-api/internal/repository/sqlite"
	"piquante-api/internal/storage"
)

type testEnv struct {
	sauces   repository.SauceRepository
	users    repository.UserRepository
	storage  *storage.LocalService
	janitor  janitor.Janitor
	locker   *Locker
	logger   *logrus.Logger
	auth     *auth.Authenticator
	imageDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sqlite.Open(filepath.Join(dir, "test.db"), time.Second)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sauces := sqlite.NewSauceRepository(db)
	users := sqlite.NewUserRepository(db)
	if err := sauces.Init(ctx); err != nil {
		t.Fatalf("init sauces: %v", err)
	}
	if err := users.Init(ctx); err != nil {
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

	return &testEnv{
		sauces:   sauces,
		users:    users,
		storage:  store,
		janitor:  j,
		locker:   NewLocker(),
		logger:   logger,
		auth:     authn,
		imageDir: imageDir,
	}
}

func (e *testEnv) sauceService() SauceService {
	return e.sauceServiceWith(e.sauces)
}

func (e *testEnv) sauceServiceWith(repo repository.SauceRepository) SauceService {
	return NewSauceService(SauceServiceConfig{
		Sauces:  repo,
		Storage: e.storage,
		Janitor: e.janitor,
		Locker:  e.locker,
		Logger:  e.logger,
	})
}

func (e *testEnv) voteService() VoteService {
	return NewVoteService(e.sauces, e.locker, e.logger)
}

func (e *testEnv) userService() UserService {
	return NewUserService(e.users, e.auth, bcrypt.MinCost)
}

func (e *testEnv) imageExists(t *testing.T, key string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(e.imageDir, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat %s: %v", key, err)
	}
	return err == nil
}

func validInput() SauceInput {
	return SauceInput{
		Name:         "Inferno",
		Manufacturer: "Acme",
		Description:  "burns",
		MainPepper:   "carolina reaper",
		Heat:         9,
	}
}

func pngAttachment(content string) Attachment {
	return Attachment{ContentType: "image/png", Ext: ".png", Size: int64(len(content)), Body: strings.NewReader(content)}
}

func createSauce(t *testing.T, svc SauceService, authorID string) *domain.Sauce {
	t.Helper()
	sauce, err := svc.Create(context.Background(), authorID, validInput(), pngAttachment("original"))
	if err != nil {
		t.Fatalf("create sauce: %v", err)
	}
	return sauce
}

// failingSauceRepo wraps a real repository and fails selected writes.
type failingSauceRepo struct {
	repository.SauceRepository
	failCreate  bool
	failDetails bool
	staleVotes  int
	failVotes   error
	voteCalls   int
}

func (r *failingSauceRepo) Create(ctx context.Context, sauce *domain.Sauce) error {
	if r.failCreate {
		return errors.New("disk full")
	}
	return r.SauceRepository.Create(ctx, sauce)
}

func (r *failingSauceRepo) UpdateDetails(ctx context.Context, sauce *domain.Sauce) error {
	if r.failDetails {
		return errors.New("disk full")
	}
	return r.SauceRepository.UpdateDetails(ctx, sauce)
}

func (r *failingSauceRepo) UpdateVotes(ctx context.Context, sauce *domain.Sauce, expectedVersion int64) error {
	r.voteCalls++
	if r.failVotes != nil {
		return r.failVotes
	}
	if r.staleVotes > 0 {
		r.staleVotes--
		return repository.ErrStaleVersion
	}
	return r.SauceRepository.UpdateVotes(ctx, sauce, expectedVersion)
}

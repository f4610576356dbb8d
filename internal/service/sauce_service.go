package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"piquante-api/internal/domain"
	"piquante-api/internal/janitor"
	"piquante-api/internal/repository"
	"piquante-api/internal/storage"
)

const (
	minHeat = 1
	maxHeat = 10

	discardTimeout = 10 * time.Second
)

// SauceInput carries the descriptive fields a client may set.
type SauceInput struct {
	Name         string
	Manufacturer string
	Description  string
	MainPepper   string
	Heat         int
}

func (in *SauceInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Manufacturer = strings.TrimSpace(in.Manufacturer)
	in.Description = strings.TrimSpace(in.Description)
	in.MainPepper = strings.TrimSpace(in.MainPepper)
}

// Validate trims the text fields and checks they are complete.
func (in *SauceInput) Validate() error {
	in.normalize()
	switch {
	case in.Name == "":
		return invalidf("name is required")
	case in.Manufacturer == "":
		return invalidf("manufacturer is required")
	case in.Description == "":
		return invalidf("description is required")
	case in.MainPepper == "":
		return invalidf("main pepper is required")
	case in.Heat < minHeat || in.Heat > maxHeat:
		return invalidf("heat must be between %d and %d", minHeat, maxHeat)
	}
	return nil
}

// Attachment is an uploaded image. Ext includes the leading dot.
type Attachment struct {
	ContentType string
	Ext         string
	Size        int64
	Body        io.Reader
}

// SauceService coordinates sauce CRUD with attachment storage.
type SauceService interface {
	Create(ctx context.Context, authorID string, in SauceInput, image Attachment) (*domain.Sauce, error)
	Get(ctx context.Context, id string) (*domain.Sauce, error)
	List(ctx context.Context) ([]domain.Sauce, error)
	// Update rewrites the descriptive fields of a sauce owned by userID and,
	// when image is not nil, replaces its attachment.
	Update(ctx context.Context, id, userID string, in SauceInput, image *Attachment) (*domain.Sauce, error)
	Delete(ctx context.Context, id, userID string) error
}

type SauceServiceConfig struct {
	Sauces  repository.SauceRepository
	Storage storage.Service
	Janitor janitor.Janitor
	Locker  *Locker
	Logger  *logrus.Logger
}

type sauceService struct {
	sauces  repository.SauceRepository
	storage storage.Service
	janitor janitor.Janitor
	locks   *Locker
	log     *logrus.Logger
}

func NewSauceService(cfg SauceServiceConfig) SauceService {
	if cfg.Locker == nil {
		cfg.Locker = NewLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &sauceService{
		sauces:  cfg.Sauces,
		storage: cfg.Storage,
		janitor: cfg.Janitor,
		locks:   cfg.Locker,
		log:     cfg.Logger,
	}
}

// checkOwnership allows a mutation only for the sauce's author.
func checkOwnership(sauce *domain.Sauce, requestingUserID string) error {
	if requestingUserID == "" || sauce.UserID != requestingUserID {
		return ErrForbidden
	}
	return nil
}

func (s *sauceService) Create(ctx context.Context, authorID string, in SauceInput, image Attachment) (*domain.Sauce, error) {
	if authorID == "" {
		return nil, ErrUnauthenticated
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if image.Body == nil {
		return nil, invalidf("image is required")
	}

	key, err := s.storeAttachment(ctx, image)
	if err != nil {
		return nil, err
	}

	sauce := &domain.Sauce{
		ID:           uuid.NewString(),
		UserID:       authorID,
		Name:         in.Name,
		Manufacturer: in.Manufacturer,
		Description:  in.Description,
		MainPepper:   in.MainPepper,
		Heat:         in.Heat,
		ImageURL:     s.storage.URL(key),
		ImageKey:     key,
		Votes:        map[string]domain.Vote{},
	}
	if err := s.sauces.Create(ctx, sauce); err != nil {
		s.discard(sauce.ID, key, "create failed")
		return nil, storeErr("create sauce", err)
	}

	s.log.WithFields(logrus.Fields{"sauce_id": sauce.ID, "user_id": authorID}).Info("sauce created")
	return sauce, nil
}

func (s *sauceService) Get(ctx context.Context, id string) (*domain.Sauce, error) {
	sauce, err := s.sauces.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get sauce", err)
	}
	return sauce, nil
}

func (s *sauceService) List(ctx context.Context) ([]domain.Sauce, error) {
	sauces, err := s.sauces.List(ctx)
	if err != nil {
		return nil, storeErr("list sauces", err)
	}
	return sauces, nil
}

func (s *sauceService) Update(ctx context.Context, id, userID string, in SauceInput, image *Attachment) (*domain.Sauce, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	sauce, err := s.sauces.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get sauce", err)
	}
	if err := checkOwnership(sauce, userID); err != nil {
		return nil, err
	}

	oldKey := sauce.ImageKey
	newKey := ""
	if image != nil {
		if image.Body == nil {
			return nil, invalidf("image is empty")
		}
		if newKey, err = s.storeAttachment(ctx, *image); err != nil {
			return nil, err
		}
		sauce.ImageKey = newKey
		sauce.ImageURL = s.storage.URL(newKey)
	}

	sauce.Name = in.Name
	sauce.Manufacturer = in.Manufacturer
	sauce.Description = in.Description
	sauce.MainPepper = in.MainPepper
	sauce.Heat = in.Heat

	if err := s.sauces.UpdateDetails(ctx, sauce); err != nil {
		if newKey != "" {
			s.discard(id, newKey, "update failed")
		}
		return nil, storeErr("update sauce", err)
	}

	if newKey != "" && oldKey != "" && oldKey != newKey {
		s.release(id, oldKey, "replaced")
	}
	s.log.WithFields(logrus.Fields{"sauce_id": id, "user_id": userID, "new_image": newKey != ""}).Info("sauce updated")
	return sauce, nil
}

func (s *sauceService) Delete(ctx context.Context, id, userID string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	sauce, err := s.sauces.Get(ctx, id)
	if err != nil {
		return storeErr("get sauce", err)
	}
	if err := checkOwnership(sauce, userID); err != nil {
		return err
	}

	if err := s.sauces.Delete(ctx, id); err != nil {
		return storeErr("delete sauce", err)
	}

	s.release(id, sauce.ImageKey, "deleted")
	s.log.WithFields(logrus.Fields{"sauce_id": id, "user_id": userID}).Info("sauce deleted")
	return nil
}

func (s *sauceService) storeAttachment(ctx context.Context, image Attachment) (string, error) {
	key := uuid.NewString() + strings.ToLower(image.Ext)
	err := s.storage.Put(ctx, storage.Object{
		Key:         key,
		ContentType: image.ContentType,
		Size:        image.Size,
		Body:        image.Body,
	})
	if err != nil {
		return "", fmt.Errorf("%w: store image: %w", ErrStorage, err)
	}
	return key, nil
}

// release hands a no longer referenced attachment to the janitor.
func (s *sauceService) release(sauceID, key, reason string) {
	if key == "" {
		return
	}
	if s.janitor == nil {
		s.discard(sauceID, key, reason)
		return
	}
	if err := s.janitor.Enqueue(janitor.Job{SauceID: sauceID, Key: key, Reason: reason}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"sauce_id": sauceID, "key": key}).Error("could not schedule attachment release")
	}
}

// discard removes an attachment right away, logging any failure.
func (s *sauceService) discard(sauceID, key, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	if err := s.storage.Delete(ctx, key); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"sauce_id": sauceID,
			"key":      key,
			"reason":   reason,
		}).Error("discard attachment failed, object is orphaned")
	}
}

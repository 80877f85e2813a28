// Package actions выполняет изменяющие действия пользователя: проверка
// ввода, запись в бэкенд, уведомление об итоге. Экранное состояние
// действия не трогают: его обновят подписки единиц синхронизации.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/notice"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/validate"
	"github.com/sirupsen/logrus"
)

// MediaBucket - бакет объектного хранилища для всех загрузок
const MediaBucket = "media"

const (
	MaxTitleLen   = 200
	MaxCommentLen = 2000
)

// Authenticator регистрирует и впускает пользователей
type Authenticator interface {
	SignUp(ctx context.Context, in session.SignUpInput) (*models.Profile, error)
	SignIn(ctx context.Context, email, password string) (*session.Session, error)
}

type Actions struct {
	store   storage.Storage
	files   media.Store
	auth    Authenticator
	session *session.Context
	notices notice.Sink
	log     logrus.FieldLogger
}

func New(store storage.Storage, files media.Store, auth Authenticator, sess *session.Context, notices notice.Sink) *Actions {
	if notices == nil {
		notices = notice.Discard
	}
	return &Actions{
		store:   store,
		files:   files,
		auth:    auth,
		session: sess,
		notices: notices,
		log:     logrus.WithField("component", "actions"),
	}
}

// fail сообщает об ошибке и возвращает ее. Ошибка валидации показывается
// своим текстом, остальные - под заголовком действия.
func (a *Actions) fail(title string, err error) error {
	var ve *validate.Error
	switch {
	case errors.As(err, &ve):
		a.notices.Notify(notice.Notice{Level: notice.Error, Title: ve.Message, At: time.Now()})
	default:
		a.log.WithError(err).Warn(title)
		notice.ReportError(a.notices, title, err)
	}
	return err
}

func (a *Actions) SignIn(ctx context.Context, form *AuthForm) (*session.Session, error) {
	s, err := a.auth.SignIn(ctx, form.Email, form.Password)
	if err != nil {
		return nil, a.fail("An error occurred", err)
	}
	a.session.Acquire(s)
	*form = AuthForm{}
	notice.ReportSuccess(a.notices, "Welcome back!")
	return s, nil
}

// SignUp создает учетную запись и переключает форму на вход
func (a *Actions) SignUp(ctx context.Context, form *AuthForm) (*models.Profile, error) {
	p, err := a.auth.SignUp(ctx, session.SignUpInput{
		Email:       form.Email,
		Password:    form.Password,
		Username:    form.Username,
		DisplayName: form.DisplayName,
	})
	if err != nil {
		return nil, a.fail("An error occurred", err)
	}
	form.Mode = SignInMode
	notice.ReportSuccess(a.notices, "Account created! You can now sign in.")
	return p, nil
}

// SignOut очищает сессию. Клиент с сохраненным токеном тоже его забывает.
func (a *Actions) SignOut() {
	a.session.Clear()
	if s, ok := a.auth.(interface{ SignOut() }); ok {
		s.SignOut()
	}
}

func (a *Actions) CreatePost(ctx context.Context, form *CreatePostForm) (*models.Post, error) {
	const title = "Failed to create post"
	s, err := a.session.Require()
	if err != nil {
		return nil, a.fail(title, err)
	}

	category := form.Category
	if category == "" {
		category = models.DefaultCategory
	}
	if err := validate.First(
		validate.Required("title", form.Title),
		validate.MaxLen("title", form.Title, MaxTitleLen, fmt.Sprintf("Title must not exceed %d characters", MaxTitleLen)),
		validate.Required("content", form.Content),
		validate.OneOf("category", category, models.Categories),
	); err != nil {
		return nil, a.fail(title, err)
	}

	rec := storage.Record{
		"title":     form.Title,
		"content":   form.Content,
		"category":  category,
		"author_id": s.UserID,
	}
	if form.Media != nil {
		url, kind, err := media.Upload(ctx, a.files, media.PostMedia, MediaBucket, "posts", *form.Media)
		if err != nil {
			return nil, a.fail(title, err)
		}
		rec["media_url"] = url
		rec["media_type"] = string(kind)
	}

	row, err := a.store.Insert(ctx, models.CollectionPosts, rec)
	if err != nil {
		return nil, a.fail(title, fmt.Errorf("failed to create post: %w", err))
	}
	var post models.Post
	if err := models.Decode(row, &post); err != nil {
		return nil, a.fail(title, err)
	}

	form.reset()
	notice.ReportSuccess(a.notices, "Post created successfully!")
	return &post, nil
}

func (a *Actions) AddComment(ctx context.Context, postID string, form *CommentForm) (*models.Comment, error) {
	const title = "Failed to add comment"
	s, err := a.session.Require()
	if err != nil {
		return nil, a.fail(title, err)
	}
	content := strings.TrimSpace(form.Content)
	if err := validate.First(
		validate.Required("content", content),
		validate.MaxLen("content", content, MaxCommentLen, fmt.Sprintf("Comment must not exceed %d characters", MaxCommentLen)),
	); err != nil {
		return nil, a.fail(title, err)
	}

	row, err := a.store.Insert(ctx, models.CollectionComments, storage.Record{
		"post_id": postID,
		"user_id": s.UserID,
		"content": content,
	})
	if err != nil {
		return nil, a.fail(title, fmt.Errorf("failed to add comment: %w", err))
	}
	var comment models.Comment
	if err := models.Decode(row, &comment); err != nil {
		return nil, a.fail(title, err)
	}

	form.reset()
	notice.ReportSuccess(a.notices, "Comment added!")
	return &comment, nil
}

// ToggleReaction снимает реакцию пользователя, если она есть, иначе ставит
// like. Возвращает, отмечен ли пост после действия.
func (a *Actions) ToggleReaction(ctx context.Context, postID string) (bool, error) {
	const title = "Failed to update reaction"
	s, err := a.session.Require()
	if err != nil {
		return false, a.fail(title, err)
	}

	mine := []storage.Eq{{Field: "post_id", Value: postID}, {Field: "user_id", Value: s.UserID}}
	n, err := a.store.Count(ctx, storage.Query{Collection: models.CollectionReactions, Filter: mine})
	if err != nil {
		return false, a.fail(title, err)
	}
	if n > 0 {
		if _, err := a.store.Delete(ctx, models.CollectionReactions, mine); err != nil {
			return false, a.fail(title, fmt.Errorf("failed to remove reaction: %w", err))
		}
		return false, nil
	}

	if _, err := a.store.Insert(ctx, models.CollectionReactions, storage.Record{
		"post_id": postID,
		"user_id": s.UserID,
		"type":    models.ReactionLike,
	}); err != nil {
		return false, a.fail(title, fmt.Errorf("failed to add reaction: %w", err))
	}
	return true, nil
}

func (a *Actions) DeletePost(ctx context.Context, id string) error {
	return a.deleteByID(ctx, models.CollectionPosts, id, "Post deleted successfully", "Failed to delete post")
}

func (a *Actions) DeleteGalleryItem(ctx context.Context, id string) error {
	return a.deleteByID(ctx, models.CollectionGallery, id, "Gallery item deleted", "Error deleting item")
}

func (a *Actions) DeleteEvent(ctx context.Context, id string) error {
	return a.deleteByID(ctx, models.CollectionEvents, id, "Event deleted", "Error deleting event")
}

func (a *Actions) deleteByID(ctx context.Context, collection, id, okTitle, failTitle string) error {
	if _, err := a.session.RequireAdmin(); err != nil {
		return a.fail(failTitle, err)
	}
	n, err := a.store.Delete(ctx, collection, []storage.Eq{{Field: "id", Value: id}})
	if err != nil {
		return a.fail(failTitle, fmt.Errorf("failed to delete from %s: %w", collection, err))
	}
	if n == 0 {
		return a.fail(failTitle, storage.ErrNotFound)
	}
	notice.ReportSuccess(a.notices, okTitle)
	return nil
}

func (a *Actions) AddGalleryItem(ctx context.Context, form *GalleryForm) (*models.GalleryItem, error) {
	const title = "Error adding item"
	if _, err := a.session.RequireAdmin(); err != nil {
		return nil, a.fail(title, err)
	}
	if err := validate.First(
		validate.Required("title", form.Title),
		validate.MaxLen("title", form.Title, MaxTitleLen, fmt.Sprintf("Title must not exceed %d characters", MaxTitleLen)),
	); err != nil {
		return nil, a.fail(title, err)
	}

	imageURL := strings.TrimSpace(form.ImageURL)
	if form.Image != nil {
		url, err := a.uploadImage(ctx, "gallery", *form.Image)
		if err != nil {
			return nil, a.fail(title, err)
		}
		imageURL = url
	}
	if err := validate.First(validate.Required("imageUrl", imageURL)); err != nil {
		return nil, a.fail(title, err)
	}

	rec := storage.Record{"title": form.Title, "image_url": imageURL}
	if d := strings.TrimSpace(form.Description); d != "" {
		rec["description"] = d
	}
	row, err := a.store.Insert(ctx, models.CollectionGallery, rec)
	if err != nil {
		return nil, a.fail(title, fmt.Errorf("failed to add gallery item: %w", err))
	}
	var item models.GalleryItem
	if err := models.Decode(row, &item); err != nil {
		return nil, a.fail(title, err)
	}

	form.reset()
	notice.ReportSuccess(a.notices, "Gallery item added successfully")
	return &item, nil
}

func (a *Actions) AddEvent(ctx context.Context, form *EventForm) (*models.Event, error) {
	const title = "Error adding event"
	if _, err := a.session.RequireAdmin(); err != nil {
		return nil, a.fail(title, err)
	}
	if err := validate.First(
		validate.Required("title", form.Title),
		validate.Required("description", form.Description),
		validate.Required("eventDate", form.EventDate),
	); err != nil {
		return nil, a.fail(title, err)
	}
	date, err := ParseEventDate(form.EventDate)
	if err != nil {
		return nil, a.fail(title, err)
	}

	rec := storage.Record{
		"title":       form.Title,
		"description": form.Description,
		"event_date":  date,
	}
	if form.Image != nil {
		url, err := a.uploadImage(ctx, "events", *form.Image)
		if err != nil {
			return nil, a.fail(title, err)
		}
		rec["image_url"] = url
	} else if u := strings.TrimSpace(form.ImageURL); u != "" {
		rec["image_url"] = u
	}
	if l := strings.TrimSpace(form.Location); l != "" {
		rec["location"] = l
	}

	row, err := a.store.Insert(ctx, models.CollectionEvents, rec)
	if err != nil {
		return nil, a.fail(title, fmt.Errorf("failed to add event: %w", err))
	}
	var event models.Event
	if err := models.Decode(row, &event); err != nil {
		return nil, a.fail(title, err)
	}

	form.reset()
	notice.ReportSuccess(a.notices, "Event added successfully")
	return &event, nil
}

func (a *Actions) uploadImage(ctx context.Context, prefix string, f media.File) (string, error) {
	url, _, err := media.Upload(ctx, a.files, media.GalleryImage, MediaBucket, prefix, f)
	return url, err
}

var eventDateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

// ParseEventDate разбирает дату события; дата без зоны считается UTC
func ParseEventDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, validate.Fail("eventDate", "Invalid event date %q", s)
}

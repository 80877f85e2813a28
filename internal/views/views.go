// Package views собирает экраны приложения из единиц синхронизации:
// ленту, страницу поста, списки администратора, галерею и события.
package views

import (
	"context"
	"errors"

	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/notice"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/syncunit"
	"github.com/sirupsen/logrus"
)

type Views struct {
	store    storage.Storage
	profiles *ProfileLoader
	notices  notice.Sink
	log      logrus.FieldLogger
}

func New(store storage.Storage, notices notice.Sink, log logrus.FieldLogger) *Views {
	if notices == nil {
		notices = notice.Discard
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Views{
		store:    store,
		profiles: NewProfileLoader(store),
		notices:  notices,
		log:      log,
	}
}

func unitOptions[T any](v *Views, sink notice.Sink, errorTitle string, extra ...syncunit.Option[T]) []syncunit.Option[T] {
	opts := []syncunit.Option[T]{
		syncunit.WithNotices[T](sink),
		syncunit.WithErrorTitle[T](errorTitle),
		syncunit.WithLogger[T](v.log),
	}
	return append(opts, extra...)
}

// Feed - лента постов, новые сверху. Категория "All" или пустая строка
// показывает все посты.
func (v *Views) Feed(category string, opts ...syncunit.Option[[]models.PostView]) *syncunit.Unit[[]models.PostView] {
	q := storage.Query{Collection: models.CollectionPosts, OrderBy: "created_at"}
	if category != "" && category != models.CategoryAll {
		q = q.Where("category", category)
	}
	load := func(ctx context.Context) ([]models.PostView, error) {
		return v.posts(ctx, q)
	}
	return syncunit.New[[]models.PostView]("feed", v.store, load,
		[]storage.Topic{{Collection: models.CollectionPosts}},
		unitOptions[[]models.PostView](v, v.notices, "Failed to load posts", opts...)...)
}

// AdminPosts - все посты для управления администратором
func (v *Views) AdminPosts(opts ...syncunit.Option[[]models.PostView]) *syncunit.Unit[[]models.PostView] {
	q := storage.Query{Collection: models.CollectionPosts, OrderBy: "created_at"}
	load := func(ctx context.Context) ([]models.PostView, error) {
		return v.posts(ctx, q)
	}
	return syncunit.New[[]models.PostView]("admin-posts", v.store, load,
		[]storage.Topic{{Collection: models.CollectionPosts}},
		unitOptions[[]models.PostView](v, v.notices, "Failed to load posts", opts...)...)
}

func (v *Views) posts(ctx context.Context, q storage.Query) ([]models.PostView, error) {
	rows, err := v.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	posts, err := models.DecodeAll[models.Post](rows)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.AuthorID
	}
	authors, err := v.profiles.Authors(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.PostView, len(posts))
	for i, p := range posts {
		out[i] = models.PostView{Post: p, Author: authors[p.AuthorID]}
	}
	return out, nil
}

func (v *Views) Gallery(opts ...syncunit.Option[[]models.GalleryItem]) *syncunit.Unit[[]models.GalleryItem] {
	load := func(ctx context.Context) ([]models.GalleryItem, error) {
		rows, err := v.store.Query(ctx, storage.Query{Collection: models.CollectionGallery, OrderBy: "created_at"})
		if err != nil {
			return nil, err
		}
		return models.DecodeAll[models.GalleryItem](rows)
	}
	return syncunit.New[[]models.GalleryItem]("gallery", v.store, load,
		[]storage.Topic{{Collection: models.CollectionGallery}},
		unitOptions[[]models.GalleryItem](v, v.notices, "Error fetching gallery", opts...)...)
}

// Events - события по убыванию даты проведения
func (v *Views) Events(opts ...syncunit.Option[[]models.Event]) *syncunit.Unit[[]models.Event] {
	load := func(ctx context.Context) ([]models.Event, error) {
		rows, err := v.store.Query(ctx, storage.Query{Collection: models.CollectionEvents, OrderBy: "event_date"})
		if err != nil {
			return nil, err
		}
		return models.DecodeAll[models.Event](rows)
	}
	return syncunit.New[[]models.Event]("events", v.store, load,
		[]storage.Topic{{Collection: models.CollectionEvents}},
		unitOptions[[]models.Event](v, v.notices, "Error fetching events", opts...)...)
}

// Viewer сообщает, кто сейчас смотрит страницу
type Viewer interface {
	Current() (*session.Session, bool)
}

func viewerID(v Viewer) string {
	if v == nil {
		return ""
	}
	if s, ok := v.Current(); ok {
		return s.UserID
	}
	return ""
}

// ReactionSummary - число реакций на пост и отметил ли его зритель
type ReactionSummary struct {
	Count      int  `json:"count"`
	HasReacted bool `json:"hasReacted"`
}

// PostPage - страница поста: сам пост, комментарии и реакции обновляются
// независимо друг от друга.
type PostPage struct {
	Post      *syncunit.Unit[models.PostView]
	Comments  *syncunit.Unit[[]models.CommentView]
	Reactions *syncunit.Unit[ReactionSummary]
}

// PostDetail собирает страницу поста. viewer может быть nil для анонимного
// зрителя; hasReacted вычисляется для того, кто вошел на момент чтения.
func (v *Views) PostDetail(postID string, viewer Viewer) *PostPage {
	byPost := &storage.Eq{Field: "post_id", Value: postID}

	loadPost := func(ctx context.Context) (models.PostView, error) {
		rows, err := v.posts(ctx, storage.Query{Collection: models.CollectionPosts, Limit: 1}.Where("id", postID))
		if err != nil {
			return models.PostView{}, err
		}
		if len(rows) == 0 {
			return models.PostView{}, storage.ErrNotFound
		}
		return rows[0], nil
	}

	loadComments := func(ctx context.Context) ([]models.CommentView, error) {
		rows, err := v.store.Query(ctx, storage.Query{Collection: models.CollectionComments, OrderBy: "created_at"}.Where("post_id", postID))
		if err != nil {
			return nil, err
		}
		comments, err := models.DecodeAll[models.Comment](rows)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(comments))
		for i, c := range comments {
			ids[i] = c.UserID
		}
		authors, err := v.profiles.Authors(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make([]models.CommentView, len(comments))
		for i, c := range comments {
			out[i] = models.CommentView{Comment: c, Author: authors[c.UserID]}
		}
		return out, nil
	}

	loadReactions := func(ctx context.Context) (ReactionSummary, error) {
		q := storage.Query{Collection: models.CollectionReactions}.Where("post_id", postID)
		n, err := v.store.Count(ctx, q)
		if err != nil {
			return ReactionSummary{}, err
		}
		summary := ReactionSummary{Count: n}
		if userID := viewerID(viewer); userID != "" {
			mine, err := v.store.Count(ctx, q.Where("user_id", userID))
			if err != nil {
				return ReactionSummary{}, err
			}
			summary.HasReacted = mine > 0
		}
		return summary, nil
	}

	// ошибки комментариев и реакций только пишутся в лог
	return &PostPage{
		Post: syncunit.New[models.PostView]("post", v.store, loadPost,
			[]storage.Topic{{Collection: models.CollectionPosts, Filter: &storage.Eq{Field: "id", Value: postID}}},
			unitOptions[models.PostView](v, v.notices, "Failed to load post")...),
		Comments: syncunit.New[[]models.CommentView]("comments", v.store, loadComments,
			[]storage.Topic{{Collection: models.CollectionComments, Filter: byPost}},
			unitOptions[[]models.CommentView](v, notice.Discard, "Failed to load comments")...),
		Reactions: syncunit.New[ReactionSummary]("reactions", v.store, loadReactions,
			[]storage.Topic{{Collection: models.CollectionReactions, Filter: byPost}},
			unitOptions[ReactionSummary](v, notice.Discard, "Failed to load reactions")...),
	}
}

func (p *PostPage) Start(ctx context.Context) error {
	return errors.Join(p.Post.Start(ctx), p.Comments.Start(ctx), p.Reactions.Start(ctx))
}

// Refresh перечитывает все части страницы
func (p *PostPage) Refresh() {
	p.Post.Refresh()
	p.Comments.Refresh()
	p.Reactions.Refresh()
}

func (p *PostPage) Wait() {
	p.Post.Wait()
	p.Comments.Wait()
	p.Reactions.Wait()
}

func (p *PostPage) Close() error {
	return errors.Join(p.Post.Close(), p.Comments.Close(), p.Reactions.Close())
}

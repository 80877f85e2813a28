package actions

import "github.com/ButyrinIA/storyfeed/internal/media"

// Формы хранят ввод пользователя. При ошибке действия ввод остается
// нетронутым, при успехе форма очищается и диалог закрывается.

type CreatePostForm struct {
	Open     bool
	Title    string
	Content  string
	Category string
	Media    *media.File
}

func (f *CreatePostForm) reset() { *f = CreatePostForm{} }

type CommentForm struct {
	Content string
}

func (f *CommentForm) reset() { *f = CommentForm{} }

// GalleryForm принимает либо готовый адрес изображения, либо файл
type GalleryForm struct {
	Open        bool
	Title       string
	ImageURL    string
	Description string
	Image       *media.File
}

func (f *GalleryForm) reset() { *f = GalleryForm{} }

type EventForm struct {
	Open        bool
	Title       string
	Description string
	ImageURL    string
	Image       *media.File
	// EventDate в RFC3339 или как из поля datetime-local: 2006-01-02T15:04
	EventDate string
	Location  string
}

func (f *EventForm) reset() { *f = EventForm{} }

type AuthMode int

const (
	SignInMode AuthMode = iota
	SignUpMode
)

type AuthForm struct {
	Mode        AuthMode
	Email       string
	Password    string
	Username    string
	DisplayName string
}

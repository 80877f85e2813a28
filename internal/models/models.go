package models

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Названия коллекций бэкенда
const (
	CollectionPosts     = "posts"
	CollectionComments  = "comments"
	CollectionReactions = "reactions"
	CollectionGallery   = "gallery"
	CollectionEvents    = "events"
	CollectionProfiles  = "profiles"
	CollectionAccounts  = "accounts"
)

type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const ReactionLike = "like"

// CategoryAll - псевдокатегория ленты без фильтра
const CategoryAll = "All"

const DefaultCategory = "General"

var Categories = []string{
	"Finance",
	"Marketing",
	"HR",
	"Operations",
	"Business Analytics",
	"Technology",
	"General",
}

func IsCategory(name string) bool {
	for _, c := range Categories {
		if c == name {
			return true
		}
	}
	return false
}

type Post struct {
	ID        string     `json:"id" mapstructure:"id"`
	Title     string     `json:"title" mapstructure:"title"`
	Content   string     `json:"content" mapstructure:"content"`
	MediaURL  *string    `json:"mediaUrl" mapstructure:"media_url"`
	MediaType *MediaType `json:"mediaType" mapstructure:"media_type"`
	Category  string     `json:"category" mapstructure:"category"`
	AuthorID  string     `json:"authorId" mapstructure:"author_id"`
	CreatedAt time.Time  `json:"createdAt" mapstructure:"created_at"`
}

type Comment struct {
	ID        string    `json:"id" mapstructure:"id"`
	PostID    string    `json:"postId" mapstructure:"post_id"`
	UserID    string    `json:"userId" mapstructure:"user_id"`
	Content   string    `json:"content" mapstructure:"content"`
	CreatedAt time.Time `json:"createdAt" mapstructure:"created_at"`
}

type Reaction struct {
	ID        string    `json:"id" mapstructure:"id"`
	PostID    string    `json:"postId" mapstructure:"post_id"`
	UserID    string    `json:"userId" mapstructure:"user_id"`
	Type      string    `json:"type" mapstructure:"type"`
	CreatedAt time.Time `json:"createdAt" mapstructure:"created_at"`
}

type GalleryItem struct {
	ID          string    `json:"id" mapstructure:"id"`
	Title       string    `json:"title" mapstructure:"title"`
	ImageURL    string    `json:"imageUrl" mapstructure:"image_url"`
	Description *string   `json:"description" mapstructure:"description"`
	CreatedAt   time.Time `json:"createdAt" mapstructure:"created_at"`
}

type Event struct {
	ID          string    `json:"id" mapstructure:"id"`
	Title       string    `json:"title" mapstructure:"title"`
	Description string    `json:"description" mapstructure:"description"`
	ImageURL    *string   `json:"imageUrl" mapstructure:"image_url"`
	EventDate   time.Time `json:"eventDate" mapstructure:"event_date"`
	Location    *string   `json:"location" mapstructure:"location"`
	CreatedAt   time.Time `json:"createdAt" mapstructure:"created_at"`
}

type Profile struct {
	ID          string    `json:"id" mapstructure:"id"`
	Username    string    `json:"username" mapstructure:"username"`
	DisplayName string    `json:"displayName" mapstructure:"display_name"`
	AvatarURL   *string   `json:"avatarUrl" mapstructure:"avatar_url"`
	Role        Role      `json:"role" mapstructure:"role"`
	CreatedAt   time.Time `json:"createdAt" mapstructure:"created_at"`
}

type Account struct {
	ID           string    `json:"id" mapstructure:"id"`
	Email        string    `json:"email" mapstructure:"email"`
	PasswordHash string    `json:"-" mapstructure:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" mapstructure:"created_at"`
}

// Author - сокращенный профиль, встраиваемый в посты и комментарии
type Author struct {
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

type PostView struct {
	Post
	Author Author `json:"author"`
}

type CommentView struct {
	Comment
	Author Author `json:"author"`
}

func (p *Profile) Author() Author {
	if p == nil {
		return Author{DisplayName: "unknown"}
	}
	return Author{DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
}

// Decode раскладывает запись коллекции в структуру модели
func Decode(record map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(record); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

// DecodeAll раскладывает список записей
func DecodeAll[T any](records []map[string]any) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := Decode(r, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

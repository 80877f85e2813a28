package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/validate"
)

// maxUploadBytes ограничивает тело запроса загрузки с запасом на заголовки
const maxUploadBytes = 50*media.MB + media.MB

// SignInRequest - тело POST /auth/signin
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UploadResponse - ответ POST /storage/{bucket}
type UploadResponse struct {
	URL       string           `json:"url"`
	MediaType models.MediaType `json:"mediaType"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return validate.Fail("body", "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var in session.SignUpInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.sessions.SignUp(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var in SignInRequest
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.SignIn(r.Context(), in.Email, in.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, session.ErrNotSignedIn)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// публичное имя коллекции; учетные записи наружу не отдаются
func collectionName(r *http.Request) (string, error) {
	name := r.PathValue("name")
	if name == models.CollectionAccounts {
		return "", fmt.Errorf("%w: %s", storage.ErrUnknownCollection, name)
	}
	if _, err := storage.Lookup(name); err != nil {
		return "", err
	}
	return name, nil
}

// ParseQuery разбирает параметры eq=field:value (повторяемый),
// in=field:v1,v2, order, asc, limit
func ParseQuery(collection string, v url.Values) (storage.Query, error) {
	q := storage.Query{Collection: collection, OrderBy: v.Get("order")}
	q.Ascending, _ = strconv.ParseBool(v.Get("asc"))

	filter, err := parseFilter(v)
	if err != nil {
		return q, err
	}
	q.Filter = filter

	if raw := v.Get("in"); raw != "" {
		field, list, ok := strings.Cut(raw, ":")
		if !ok || field == "" {
			return q, validate.Fail("in", "invalid in filter %q", raw)
		}
		q.In = &storage.In{Field: field}
		for _, item := range strings.Split(list, ",") {
			if item != "" {
				q.In.Values = append(q.In.Values, item)
			}
		}
	}

	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, validate.Fail("limit", "invalid limit %q", raw)
		}
		q.Limit = n
	}
	return q, nil
}

func parseFilter(v url.Values) ([]storage.Eq, error) {
	var filter []storage.Eq
	for _, raw := range v["eq"] {
		eq, err := storage.ParseEq(raw)
		if err != nil {
			return nil, validate.Fail("eq", "%v", err)
		}
		filter = append(filter, eq)
	}
	return filter, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name, err := collectionName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := ParseQuery(name, r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.storage.Query(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	name, err := collectionName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := ParseQuery(name, r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.storage.Count(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	name, err := collectionName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, session.ErrNotSignedIn)
		return
	}
	var rec storage.Record
	if err := decodeBody(r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authorizeInsert(sess, name, rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	row, err := s.storage.Insert(r.Context(), name, rec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

// authorizeInsert проставляет владельца записи и проверяет роль
func authorizeInsert(sess *session.Session, collection string, rec storage.Record) error {
	switch collection {
	case models.CollectionPosts:
		rec["author_id"] = sess.UserID
	case models.CollectionComments, models.CollectionReactions:
		rec["user_id"] = sess.UserID
	case models.CollectionGallery, models.CollectionEvents:
		if !sess.IsAdmin() {
			return session.ErrNotAdmin
		}
	default:
		return fmt.Errorf("%w: insert into %s", errForbidden, collection)
	}
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, err := collectionName(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, session.ErrNotSignedIn)
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(filter) == 0 {
		s.writeError(w, r, validate.Fail("eq", "delete requires a filter"))
		return
	}
	filter, err = authorizeDelete(sess, name, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.storage.Delete(r.Context(), name, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// authorizeDelete: посты, галерея и события удаляет только администратор,
// комментарии и реакции - только свои
func authorizeDelete(sess *session.Session, collection string, filter []storage.Eq) ([]storage.Eq, error) {
	switch collection {
	case models.CollectionPosts, models.CollectionGallery, models.CollectionEvents:
		if !sess.IsAdmin() {
			return nil, session.ErrNotAdmin
		}
		return filter, nil
	case models.CollectionComments, models.CollectionReactions:
		if sess.IsAdmin() {
			return filter, nil
		}
		own := make([]storage.Eq, 0, len(filter)+1)
		for _, eq := range filter {
			if eq.Field != "user_id" {
				own = append(own, eq)
			}
		}
		return append(own, storage.Eq{Field: "user_id", Value: sess.UserID}), nil
	}
	return nil, fmt.Errorf("%w: delete from %s", errForbidden, collection)
}

// constraintsFor выбирает ограничения по первому сегменту пути объекта
func constraintsFor(objectPath string) (media.Constraints, bool) {
	prefix, _, _ := strings.Cut(strings.TrimPrefix(path.Clean("/"+objectPath), "/"), "/")
	if prefix == "posts" {
		return media.PostMedia, false
	}
	return media.GalleryImage, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := session.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, session.ErrNotSignedIn)
		return
	}
	if s.files == nil {
		s.writeError(w, r, fmt.Errorf("media storage is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, validate.Fail("file", "invalid upload: %v", err))
		return
	}
	defer file.Close()

	objectPath := r.FormValue("path")
	if objectPath == "" {
		objectPath = path.Join("posts", path.Base(header.Filename))
	}
	c, adminOnly := constraintsFor(objectPath)
	if adminOnly && !sess.IsAdmin() {
		s.writeError(w, r, session.ErrNotAdmin)
		return
	}

	f := media.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
	if err := c.Validate(f); err != nil {
		s.writeError(w, r, err)
		return
	}
	publicURL, err := s.files.Put(r.Context(), r.PathValue("bucket"), objectPath, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{URL: publicURL, MediaType: media.KindOf(f.ContentType)})
}

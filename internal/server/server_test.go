package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/config"
	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/storage/memory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv   *httptest.Server
	store *memory.MemoryStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"

	store := memory.New()
	sessions := session.NewManager(store, cfg.Auth.JWTSecret, time.Hour)
	sessions.Admins["admin@example.com"] = true
	files, err := media.NewFileStore(t.TempDir(), "/media")
	require.NoError(t, err)

	srv := httptest.NewServer(New(cfg, store, sessions, files).Handler())
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// signUp регистрирует пользователя и возвращает токен
func (e *testEnv) signUp(t *testing.T, email, username string) string {
	t.Helper()
	resp, _ := e.do(t, http.MethodPost, "/auth/signup", "", session.SignUpInput{
		Email: email, Password: "Secret123", Username: username, DisplayName: "Имя " + username,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := e.do(t, http.MethodPost, "/auth/signin", "", SignInRequest{Email: email, Password: "Secret123"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var s session.Session
	require.NoError(t, json.Unmarshal(data, &s))
	require.NotEmpty(t, s.Token)
	return s.Token
}

func decodeError(t *testing.T, data []byte) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t)
	token := e.signUp(t, "anna@example.com", "anna")

	t.Run("Session", func(t *testing.T) {
		resp, data := e.do(t, http.MethodGet, "/auth/session", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var s session.Session
		require.NoError(t, json.Unmarshal(data, &s))
		assert.Equal(t, "anna", s.Profile.Username)
	})

	t.Run("Invalid token", func(t *testing.T) {
		resp, data := e.do(t, http.MethodGet, "/auth/session", "invalid-token", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, CodeUnauthorized, decodeError(t, data).Code)
	})

	t.Run("Duplicate email", func(t *testing.T) {
		resp, data := e.do(t, http.MethodPost, "/auth/signup", "", session.SignUpInput{
			Email: "anna@example.com", Password: "Secret123", Username: "anna2", DisplayName: "Анна",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, CodeEmailTaken, decodeError(t, data).Code)
	})

	t.Run("Validation", func(t *testing.T) {
		resp, data := e.do(t, http.MethodPost, "/auth/signup", "", session.SignUpInput{
			Email: "boris@example.com", Password: "short", Username: "boris", DisplayName: "Борис",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decodeError(t, data)
		assert.Equal(t, CodeInvalid, body.Code)
		assert.Equal(t, "password", body.Field)
		assert.Equal(t, "Password must be at least 8 characters", body.Error)
	})

	t.Run("Wrong password", func(t *testing.T) {
		resp, data := e.do(t, http.MethodPost, "/auth/signin", "", SignInRequest{Email: "anna@example.com", Password: "Wrong1234"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, CodeInvalidCredentials, decodeError(t, data).Code)
	})
}

func TestCollections(t *testing.T) {
	e := newTestEnv(t)
	user := e.signUp(t, "anna@example.com", "anna")
	admin := e.signUp(t, "admin@example.com", "admin")

	post := map[string]any{"title": "Первый", "content": "Текст", "category": "General", "author_id": "someone-else"}

	t.Run("Insert requires token", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/collections/posts", "", post)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	var postID string
	t.Run("Insert sets author", func(t *testing.T) {
		resp, data := e.do(t, http.MethodPost, "/collections/posts", user, post)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
		var rec map[string]any
		require.NoError(t, json.Unmarshal(data, &rec))
		assert.NotEqual(t, "someone-else", rec["author_id"])
		postID = rec["id"].(string)
	})

	t.Run("Query and count", func(t *testing.T) {
		resp, data := e.do(t, http.MethodGet, "/collections/posts?eq=category:General&order=created_at&limit=10", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var rows []map[string]any
		require.NoError(t, json.Unmarshal(data, &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, postID, rows[0]["id"])

		resp, data = e.do(t, http.MethodGet, "/collections/posts/count?eq=category:Finance", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"count":0}`, string(data))

		resp, data = e.do(t, http.MethodGet, "/collections/posts?order=likes", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeUnknownField, decodeError(t, data).Code)
	})

	t.Run("Accounts are hidden", func(t *testing.T) {
		resp, data := e.do(t, http.MethodGet, "/collections/accounts", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, CodeUnknownCollection, decodeError(t, data).Code)
	})

	t.Run("Reaction toggle by filter", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/collections/reactions", user, map[string]any{"post_id": postID, "type": "like"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp, data := e.do(t, http.MethodPost, "/collections/reactions", user, map[string]any{"post_id": postID, "type": "like"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, CodeDuplicate, decodeError(t, data).Code)

		resp, data = e.do(t, http.MethodDelete, "/collections/reactions?eq=post_id:"+postID, admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"deleted":1}`, string(data), "Администратор удаляет любые реакции")
	})

	t.Run("Admin only writes", func(t *testing.T) {
		item := map[string]any{"title": "Офис", "image_url": "/media/media/gallery/a.png"}
		resp, data := e.do(t, http.MethodPost, "/collections/gallery", user, item)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, CodeForbidden, decodeError(t, data).Code)
		resp, _ = e.do(t, http.MethodPost, "/collections/gallery", admin, item)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		resp, _ = e.do(t, http.MethodPost, "/collections/profiles", admin, map[string]any{"username": "x"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = e.do(t, http.MethodDelete, "/collections/posts?eq=id:"+postID, user, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp, data = e.do(t, http.MethodDelete, "/collections/posts?eq=id:"+postID, admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"deleted":1}`, string(data))

		resp, _ = e.do(t, http.MethodDelete, "/collections/posts", admin, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "Удаление без фильтра запрещено")
	})
}

func TestAuthorizeDelete(t *testing.T) {
	user := &session.Session{UserID: "u1"}
	filter, err := authorizeDelete(user, "reactions", []storage.Eq{{Field: "post_id", Value: "p1"}, {Field: "user_id", Value: "u2"}})
	require.NoError(t, err)
	assert.Equal(t, []storage.Eq{{Field: "post_id", Value: "p1"}, {Field: "user_id", Value: "u1"}}, filter)

	_, err = authorizeDelete(user, "events", filter)
	assert.ErrorIs(t, err, session.ErrNotAdmin)
}

func upload(t *testing.T, e *testEnv, token, objectPath, contentType string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("path", objectPath))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, objectPath[strings.LastIndex(objectPath, "/")+1:]))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/storage/media", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestUpload(t *testing.T) {
	e := newTestEnv(t)
	user := e.signUp(t, "anna@example.com", "anna")
	admin := e.signUp(t, "admin@example.com", "admin")

	t.Run("Post image is served", func(t *testing.T) {
		resp, data := upload(t, e, user, "posts/photo.png", "image/png", []byte("png-bytes"))
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
		var out UploadResponse
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, "/media/media/posts/photo.png", out.URL)
		assert.Equal(t, "image", string(out.MediaType))

		get, err := http.Get(e.srv.URL + out.URL)
		require.NoError(t, err)
		defer get.Body.Close()
		body, _ := io.ReadAll(get.Body)
		assert.Equal(t, "png-bytes", string(body))
	})

	t.Run("Gallery requires admin", func(t *testing.T) {
		resp, _ := upload(t, e, user, "gallery/a.png", "image/png", []byte("x"))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("Gallery image over 5MB", func(t *testing.T) {
		resp, data := upload(t, e, admin, "gallery/big.png", "image/png", bytes.Repeat([]byte{1}, 6*media.MB))
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assert.Contains(t, decodeError(t, data).Error, "file is 6.0MB, limit is 5.0MB")
	})

	t.Run("Wrong type", func(t *testing.T) {
		resp, _ := upload(t, e, user, "posts/doc.pdf", "application/pdf", []byte("%PDF"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func dialRealtime(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(e.srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/realtime"
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m ServerMessage
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestRealtime(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	ws := dialRealtime(t, e)

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, ID: "1", Collection: "comments",
		Filter: &storage.Eq{Field: "post_id", Value: "p1"}}))
	assert.Equal(t, ServerMessage{ID: "1", Status: StatusSubscribed}, readMessage(t, ws))

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionSubscribe, ID: "2", Collection: "accounts"}))
	m := readMessage(t, ws)
	require.NotNil(t, m.Error)
	assert.Equal(t, CodeUnknownCollection, m.Error.Code)

	_, err := e.store.Insert(ctx, "posts", storage.Record{"id": "p1", "title": "Т", "content": "К", "category": "General", "author_id": "u1"})
	require.NoError(t, err)
	_, err = e.store.Insert(ctx, "posts", storage.Record{"id": "p2", "title": "Т", "content": "К", "category": "General", "author_id": "u1"})
	require.NoError(t, err)
	_, err = e.store.Insert(ctx, "comments", storage.Record{"post_id": "p2", "user_id": "u1", "content": "мимо"})
	require.NoError(t, err)
	_, err = e.store.Insert(ctx, "comments", storage.Record{"post_id": "p1", "user_id": "u1", "content": "в цель"})
	require.NoError(t, err)

	m = readMessage(t, ws)
	assert.Equal(t, "1", m.ID)
	require.NotNil(t, m.Change)
	assert.Equal(t, storage.OpInsert, m.Change.Op)
	assert.Equal(t, "в цель", m.Change.Record["content"], "Приходят только изменения по фильтру")

	require.NoError(t, ws.WriteJSON(ClientMessage{Action: ActionUnsubscribe, ID: "1"}))
	assert.Equal(t, ServerMessage{ID: "1", Status: StatusUnsubscribed}, readMessage(t, ws))
}

func TestParseQuery(t *testing.T) {
	v := url.Values{}
	v.Add("eq", "post_id:p1")
	v.Add("eq", "user_id:u:1")
	v.Set("in", "id:a,b")
	v.Set("order", "created_at")
	v.Set("asc", "true")
	v.Set("limit", "5")

	q, err := ParseQuery("reactions", v)
	require.NoError(t, err)
	assert.Equal(t, storage.Query{
		Collection: "reactions",
		Filter:     []storage.Eq{{Field: "post_id", Value: "p1"}, {Field: "user_id", Value: "u:1"}},
		In:         &storage.In{Field: "id", Values: []any{"a", "b"}},
		OrderBy:    "created_at",
		Ascending:  true,
		Limit:      5,
	}, q)

	_, err = ParseQuery("posts", url.Values{"limit": {"-1"}})
	assert.Error(t, err)
	_, err = ParseQuery("posts", url.Values{"eq": {"novalue"}})
	assert.Error(t, err)
}

// Package remote - клиент хранилища поверх HTTP API сервера storyfeed.
// Реализует storage.Storage, media.Store и вход пользователя.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/server"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/validate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 15 * time.Second

type Client struct {
	base    *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	timeout time.Duration
	log     logrus.FieldLogger

	mu     sync.Mutex
	token  string
	subs   map[string]*storage.Subscription
	closed bool
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
			c.http.Timeout = d
			c.dialer.HandshakeTimeout = d
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// New создает клиент для сервера по адресу baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: DefaultTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: DefaultTimeout},
		timeout: DefaultTimeout,
		log:     logrus.WithField("component", "remote"),
		subs:    make(map[string]*storage.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token возвращает текущий токен доступа
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) endpoint(p string, query url.Values) string {
	u := *c.base
	u.Path = path.Join(c.base.Path, p)
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, query), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	token := c.Token()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb server.ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, p, resp.StatusCode)
		}
		return decodeError(eb, token != "")
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, p string, query url.Values, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body, contentType = bytes.NewReader(data), "application/json"
	}
	return c.do(ctx, method, p, query, body, contentType, out)
}

// decodeError восстанавливает исходную ошибку по коду ответа
func decodeError(eb server.ErrorBody, hadToken bool) error {
	var sentinel error
	switch eb.Code {
	case server.CodeInvalid:
		return &validate.Error{Field: eb.Field, Message: eb.Error}
	case server.CodeNotFound:
		sentinel = storage.ErrNotFound
	case server.CodeDuplicate:
		sentinel = storage.ErrDuplicate
	case server.CodeUnknownCollection:
		sentinel = storage.ErrUnknownCollection
	case server.CodeUnknownField:
		sentinel = storage.ErrUnknownField
	case server.CodeEmailTaken:
		return session.ErrEmailTaken
	case server.CodeUsernameTaken:
		return session.ErrUsernameTaken
	case server.CodeInvalidCredentials:
		return session.ErrInvalidCredentials
	case server.CodeUnauthorized:
		if !hadToken {
			return session.ErrNotSignedIn
		}
		sentinel = session.ErrInvalidToken
	case server.CodeForbidden:
		sentinel = session.ErrNotAdmin
	case server.CodeTooLarge:
		sentinel = media.ErrTooLarge
	case server.CodeUnsupportedType:
		sentinel = media.ErrUnsupportedType
	default:
		return fmt.Errorf("server error: %s", eb.Error)
	}
	if eb.Error == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(eb.Error, sentinel.Error()+": "))
}

func collectionPath(name string) string {
	return "/collections/" + name
}

func encodeFilter(v url.Values, filter []storage.Eq) {
	for _, eq := range filter {
		v.Add("eq", fmt.Sprintf("%s:%v", eq.Field, eq.Value))
	}
}

// EncodeQuery переводит запрос в параметры GET /collections/{name}
func EncodeQuery(q storage.Query) url.Values {
	v := url.Values{}
	encodeFilter(v, q.Filter)
	if q.In != nil {
		items := make([]string, len(q.In.Values))
		for i, item := range q.In.Values {
			items[i] = fmt.Sprint(item)
		}
		v.Set("in", q.In.Field+":"+strings.Join(items, ","))
	}
	if q.OrderBy != "" {
		v.Set("order", q.OrderBy)
		if q.Ascending {
			v.Set("asc", "true")
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) Query(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	if _, err := storage.ValidateQuery(q); err != nil {
		return nil, err
	}
	// пустое IN не совпадает ни с чем, сервер его не различает
	if q.In != nil && len(q.In.Values) == 0 {
		return []storage.Record{}, nil
	}
	var rows []storage.Record
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(q.Collection), EncodeQuery(q), nil, &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []storage.Record{}
	}
	return rows, nil
}

func (c *Client) Count(ctx context.Context, q storage.Query) (int, error) {
	if _, err := storage.ValidateQuery(q); err != nil {
		return 0, err
	}
	if q.In != nil && len(q.In.Values) == 0 {
		return 0, nil
	}
	q.Limit = 0
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, collectionPath(q.Collection)+"/count", EncodeQuery(q), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) Insert(ctx context.Context, collection string, rec storage.Record) (storage.Record, error) {
	if _, err := storage.Lookup(collection); err != nil {
		return nil, err
	}
	var row storage.Record
	if err := c.doJSON(ctx, http.MethodPost, collectionPath(collection), nil, rec, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (c *Client) Delete(ctx context.Context, collection string, filter []storage.Eq) (int, error) {
	if _, err := storage.ValidateQuery(storage.Query{Collection: collection, Filter: filter}); err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, fmt.Errorf("delete from %s requires a filter", collection)
	}
	v := url.Values{}
	encodeFilter(v, filter)
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, collectionPath(collection), v, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *Client) realtimeURL() string {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = path.Join(c.base.Path, "/realtime")
	v := url.Values{}
	if token := c.Token(); token != "" {
		v.Set("access_token", token)
	}
	u.RawQuery = v.Encode()
	return u.String()
}

// Subscribe открывает отдельное websocket-соединение на подписку и ждет
// подтверждения сервера. Подписка снимается Release или отменой ctx.
func (c *Client) Subscribe(ctx context.Context, topic storage.Topic, fn func(storage.Change)) (*storage.Subscription, error) {
	if err := storage.ValidateTopic(topic); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, storage.ErrClosed
	}

	ws, _, err := c.dialer.DialContext(ctx, c.realtimeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect realtime: %w", err)
	}
	id := uuid.New().String()
	ws.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := ws.WriteJSON(server.ClientMessage{
		Action:     server.ActionSubscribe,
		ID:         id,
		Collection: topic.Collection,
		Filter:     topic.Filter,
	}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	early, err := c.awaitAck(ws, id)
	if err != nil {
		ws.Close()
		return nil, err
	}

	sub := storage.NewSubscription(topic, func() {
		ws.Close()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	log := c.log.WithField("topic", topic.Key())
	go func() {
		defer sub.Release()
		for _, ch := range early {
			fn(ch)
		}
		for {
			var m server.ServerMessage
			if err := ws.ReadJSON(&m); err != nil {
				select {
				case <-sub.Done():
				default:
					log.WithError(err).Warn("realtime connection lost")
				}
				return
			}
			if m.Change != nil {
				fn(*m.Change)
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			sub.Release()
		case <-sub.Done():
		}
	}()
	log.Debug("subscribed")
	return sub, nil
}

// awaitAck читает сообщения до подтверждения подписки id. Изменения,
// пришедшие раньше подтверждения, возвращаются для доставки подписчику.
func (c *Client) awaitAck(ws *websocket.Conn, id string) ([]storage.Change, error) {
	ws.SetReadDeadline(time.Now().Add(c.timeout))
	var early []storage.Change
	for {
		var m server.ServerMessage
		if err := ws.ReadJSON(&m); err != nil {
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
		switch {
		case m.Error != nil:
			return nil, decodeError(*m.Error, c.Token() != "")
		case m.Change != nil:
			early = append(early, *m.Change)
		case m.ID == id && m.Status == server.StatusSubscribed:
			ws.SetReadDeadline(time.Time{})
			return early, nil
		}
	}
}

// Close снимает все подписки клиента
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*storage.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	c.http.CloseIdleConnections()
	return nil
}

// Put загружает объект через POST /storage/{bucket}. Тип содержимого
// определяется по расширению.
func (c *Client) Put(ctx context.Context, bucket, objectPath string, body io.Reader) (string, error) {
	contentType := mime.TypeByExtension(path.Ext(objectPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("path", objectPath); err != nil {
		return "", err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, path.Base(objectPath)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, body); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out server.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/storage/"+bucket, nil, &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if strings.HasPrefix(out.URL, "/") {
		u := *c.base
		u.Path = path.Join(c.base.Path, out.URL)
		u.RawQuery = ""
		return u.String(), nil
	}
	return out.URL, nil
}

func (c *Client) SignUp(ctx context.Context, in session.SignUpInput) (*models.Profile, error) {
	var profile models.Profile
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signup", nil, in, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SignIn входит и запоминает токен для последующих запросов
func (c *Client) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	var sess session.Session
	if err := c.doJSON(ctx, http.MethodPost, "/auth/signin", nil, server.SignInRequest{Email: email, Password: password}, &sess); err != nil {
		return nil, err
	}
	c.SetToken(sess.Token)
	return &sess, nil
}

// Resume восстанавливает сессию по сохраненному токену
func (c *Client) Resume(ctx context.Context) (*session.Session, error) {
	if c.Token() == "" {
		return nil, session.ErrNotSignedIn
	}
	var sess session.Session
	if err := c.doJSON(ctx, http.MethodGet, "/auth/session", nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SignOut забывает токен
func (c *Client) SignOut() {
	c.SetToken("")
}

package views

import (
	"context"
	"fmt"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/graph-gophers/dataloader/v7"
)

// profileQueryTimeout ограничивает пакетный запрос профилей. Пакет общий для
// нескольких единиц, поэтому он не зависит от отмены контекста первой из них.
const profileQueryTimeout = 10 * time.Second

// ProfileLoader собирает запросы профилей авторов в один запрос к хранилищу
type ProfileLoader struct {
	store  storage.Storage
	loader *dataloader.Loader[string, *models.Profile]
}

// NewProfileLoader создает загрузчик без кэша: каждое перечитывание видит
// актуальные профили, но ключи одного чтения идут одним пакетом.
func NewProfileLoader(store storage.Storage) *ProfileLoader {
	return newProfileLoader(store, 2*time.Millisecond)
}

func newProfileLoader(store storage.Storage, wait time.Duration) *ProfileLoader {
	l := &ProfileLoader{store: store}
	l.loader = dataloader.NewBatchedLoader(
		l.batch,
		dataloader.WithCache[string, *models.Profile](&dataloader.NoCache[string, *models.Profile]{}),
		dataloader.WithWait[string, *models.Profile](wait),
	)
	return l
}

func (l *ProfileLoader) batch(ctx context.Context, keys []string) []*dataloader.Result[*models.Profile] {
	results := make([]*dataloader.Result[*models.Profile], len(keys))

	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileQueryTimeout)
	defer cancel()
	rows, err := l.store.Query(qctx, storage.Query{
		Collection: models.CollectionProfiles,
		In:         &storage.In{Field: "id", Values: values},
	})
	if err == nil {
		var profiles []models.Profile
		profiles, err = models.DecodeAll[models.Profile](rows)
		if err == nil {
			byID := make(map[string]*models.Profile, len(profiles))
			for i := range profiles {
				byID[profiles[i].ID] = &profiles[i]
			}
			for i, k := range keys {
				// отсутствующий профиль - не ошибка, автор станет "unknown"
				results[i] = &dataloader.Result[*models.Profile]{Data: byID[k]}
			}
			return results
		}
	}

	err = fmt.Errorf("failed to load profiles: %w", err)
	for i := range keys {
		results[i] = &dataloader.Result[*models.Profile]{Error: err}
	}
	return results
}

// Authors возвращает авторов по id пользователей
func (l *ProfileLoader) Authors(ctx context.Context, userIDs []string) (map[string]models.Author, error) {
	seen := make(map[string]bool, len(userIDs))
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, id)
		}
	}
	authors := make(map[string]models.Author, len(keys))
	if len(keys) == 0 {
		return authors, nil
	}

	profiles, errs := l.loader.LoadMany(ctx, keys)()
	for i, key := range keys {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		authors[key] = profiles[i].Author()
	}
	return authors, nil
}

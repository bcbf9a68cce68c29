package models

import (
	"context"

	"github.com/roamlink/portal/lifecycle-processor/config/database"
	"github.com/roamlink/portal/lifecycle-processor/config/redis"
)

const ERROR_NOT_FOUND string = "record not found"

// AdminStore wraps the admin backend database. Every query the
// processor runs goes through here.
type AdminStore struct {
	db *database.DB
}

func NewAdminStore(db *database.DB) *AdminStore {
	return &AdminStore{
		db: db,
	}
}

// FlagStore collects identifiers into a redis set for the admin UI to
// surface, used for endpoints whose recovery attempts were exhausted.
type FlagStore struct {
	name    string
	context context.Context
	db      *redis.RedisDB
}

type Flagger interface {
	Flag(value string) error
}

func NewFlagStore(ctx context.Context, redis *redis.RedisDB, name string) *FlagStore {
	return &FlagStore{
		name:    name,
		context: ctx,
		db:      redis,
	}
}

func (store *FlagStore) Flag(value string) error {
	result := store.db.Client.SAdd(store.context, store.name, value)
	if err := result.Err(); err != nil {
		return err
	}

	return nil
}

func (store *FlagStore) Close() error {
	return store.db.Client.Close()
}

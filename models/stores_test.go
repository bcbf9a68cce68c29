package models

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/roamlink/portal/lifecycle-processor/tests"
)

func setupAdminStore(t *testing.T) (*AdminStore, sqlmock.Sqlmock, func()) {
	db, mock, cleanup := tests.SetupMockStore(t)

	store := &AdminStore{
		db: db,
	}

	return store, mock, cleanup
}

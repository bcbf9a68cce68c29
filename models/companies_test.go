package models

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

var fetchCompanyQuery = regexp.QuoteMeta(`
	SELECT * FROM "companies" WHERE companies.id = $1 LIMIT $2`,
)

func TestFetchCompany(t *testing.T) {
	t.Run("should return company when found", func(t *testing.T) {
		// Setup
		store, mock, cleanup := setupAdminStore(t)
		defer cleanup()

		companyID := "comp123"
		timestamp := time.Now()

		columns := []string{"id", "name", "email", "country", "currency", "vat_number", "created_at", "updated_at"}
		rows := sqlmock.NewRows(columns).
			AddRow(companyID, "Dune Mobility FZ-LLC", "billing@dunemobility.ae", "AE", "AED", "100123456700003", timestamp, timestamp)

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs(companyID, 1).
			WillReturnRows(rows)

		// Execute
		result := store.FetchCompany(companyID)

		// Assert
		assert.True(t, result.Success())

		company := result.Value()
		assert.Equal(t, companyID, company.ID)
		assert.Equal(t, "AE", company.Country)
		assert.Equal(t, "AED", company.Currency)
		assert.Equal(t, "billing@dunemobility.ae", company.Email)
		assert.Equal(t, "100123456700003", company.VATNumber)
	})

	t.Run("should return error company not found", func(t *testing.T) {
		// Setup
		store, mock, cleanup := setupAdminStore(t)
		defer cleanup()

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("ghost", 1).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

		// Execute
		result := store.FetchCompany("ghost")

		// Assert
		assert.False(t, result.Success())
		assert.Equal(t, gorm.ErrRecordNotFound, result.Error())
		assert.False(t, result.IsCapturable())
		assert.False(t, result.IsRetryable())
	})

	t.Run("should handle database connection error", func(t *testing.T) {
		// Setup
		store, mock, cleanup := setupAdminStore(t)
		defer cleanup()

		dbError := errors.New("database connection failed")

		mock.ExpectQuery(fetchCompanyQuery).
			WithArgs("comp123", 1).
			WillReturnError(dbError)

		// Execute
		result := store.FetchCompany("comp123")

		// Assert
		assert.False(t, result.Success())
		assert.Equal(t, dbError, result.Error())
		assert.True(t, result.IsCapturable())
		assert.True(t, result.IsRetryable())
	})
}

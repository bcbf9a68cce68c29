package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type Company struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Email     string
	Country   string
	Currency  string
	VATNumber string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (store *AdminStore) FetchCompany(id string) utils.Result[*Company] {
	var company Company

	result := store.db.Connection.
		Table("companies").
		Where("companies.id = ?", id).
		Limit(1).
		Find(&company)

	if result.Error != nil {
		return failedCompanyResult(result.Error)
	}
	if company.ID == "" {
		return failedCompanyResult(gorm.ErrRecordNotFound)
	}

	return utils.SuccessResult(&company)
}

func failedCompanyResult(err error) utils.Result[*Company] {
	result := utils.FailedResult[*Company](err)

	if err.Error() == gorm.ErrRecordNotFound.Error() {
		result = result.NonCapturable().NonRetryable()
	}

	return result
}

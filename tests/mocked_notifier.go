package tests

import (
	"github.com/roamlink/portal/lifecycle-processor/models"
)

type MockNotifier struct {
	Recipients     []string
	LastNote       *models.CreditNote
	ExecutionCount int
	ReturnedError  error
}

func (mn *MockNotifier) Send(recipient string, note *models.CreditNote, company *models.Company, items []models.CreditNoteItem) error {
	mn.ExecutionCount++
	mn.Recipients = append(mn.Recipients, recipient)
	mn.LastNote = note

	return mn.ReturnedError
}

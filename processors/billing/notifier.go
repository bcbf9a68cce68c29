package billing

import (
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/roamlink/portal/lifecycle-processor/models"
)

// Notifier delivers the customer-facing credit note notification.
type Notifier interface {
	Send(recipient string, note *models.CreditNote, company *models.Company, items []models.CreditNoteItem) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type MailNotifier struct {
	config SMTPConfig
}

func NewMailNotifier(config SMTPConfig) *MailNotifier {
	return &MailNotifier{config: config}
}

func (notifier *MailNotifier) Send(recipient string, note *models.CreditNote, company *models.Company, items []models.CreditNoteItem) error {
	message := mail.NewMsg()
	if err := message.From(notifier.config.From); err != nil {
		return err
	}
	if err := message.To(recipient); err != nil {
		return err
	}

	message.Subject(fmt.Sprintf("Credit note %s", note.Number))
	message.SetBodyString(mail.TypeTextPlain, creditNoteBody(note, company, items))

	client, err := mail.NewClient(
		notifier.config.Host,
		mail.WithPort(notifier.config.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(notifier.config.Username),
		mail.WithPassword(notifier.config.Password),
	)
	if err != nil {
		return err
	}

	return client.DialAndSend(message)
}

func creditNoteBody(note *models.CreditNote, company *models.Company, items []models.CreditNoteItem) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "Hello %s,\n\n", company.Name)
	fmt.Fprintf(&builder, "We have issued credit note %s on %s.\n\n", note.Number, note.IssuedOn.Format("2006-01-02"))

	for _, item := range items {
		fmt.Fprintf(&builder, "  %-40s %s %s\n", item.Description, item.Amount.StringFixed(minorUnitDigits(item.Currency)), item.Currency)
	}

	fmt.Fprintf(&builder, "\nTotal credited: %s %s\n", note.TotalAmount.StringFixed(minorUnitDigits(note.Currency)), note.Currency)
	builder.WriteString("\nThe amount will be applied to your next invoice.\n")

	return builder.String()
}

package email

import (
	"fmt"
	"net/smtp"

	"github.com/example/inventory-ledger/internal/domain/inventory"
)

// Service handles email sending via SMTP
type Service struct {
	host string
	port string
	from string
}

// NewService creates a new email service
func NewService(host, port, from string) *Service {
	return &Service{
		host: host,
		port: port,
		from: from,
	}
}

// SendLowAvailabilityAlert tells operators a partition is running out of sellable stock.
func (s *Service) SendLowAvailabilityAlert(to string, snap inventory.Snapshot, threshold int64) error {
	subject := fmt.Sprintf("[Inventory] Low availability for %s (%d left)", snap.PartitionKey, snap.AvailableToSell)
	body := BuildLowAvailabilityBody(snap, threshold)
	return s.send(to, subject, body)
}

func (s *Service) send(to, subject, body string) error {
	msg := buildMessage(s.from, to, subject, body)
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	return smtp.SendMail(addr, nil, s.from, []string{to}, []byte(msg))
}

func buildMessage(from, to, subject, body string) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body)
}

package qr

import (
	"fmt"
	"image"

	"ms-purchase/internal/models"

	"github.com/skip2/go-qrcode"
)

const DefaultSize = 256

// TicketPNG renders the admission code of a ticket as a QR code. Only
// tickets that can still be presented at the door are rendered.
func TicketPNG(ticket models.Ticket, size int) ([]byte, error) {
	if err := printable(ticket); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(ticket.Code, qrcode.Medium, size)
}

// TicketImage is TicketPNG without the encoding step, for embedding.
func TicketImage(ticket models.Ticket, size int) (image.Image, error) {
	if err := printable(ticket); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	code, err := qrcode.New(ticket.Code, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode ticket %s: %w", ticket.ID, err)
	}
	return code.Image(size), nil
}

func printable(ticket models.Ticket) error {
	if ticket.Status != models.TicketPaid && ticket.Status != models.TicketValidated {
		return fmt.Errorf("ticket %s is %s: %w", ticket.ID, ticket.Status, models.ErrInvalidState)
	}
	return nil
}

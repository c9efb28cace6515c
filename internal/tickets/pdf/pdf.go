package pdf

import (
	"bytes"
	"fmt"

	"ms-purchase/internal/models"
	"ms-purchase/internal/tickets/qr"

	"github.com/signintech/gopdf"
)

const qrSize = 200

// Renderer prints the presentable tickets of a purchase, one per A4 page.
// Without a font only the QR codes are drawn.
type Renderer struct {
	FontPath string
}

func NewRenderer(fontPath string) *Renderer {
	return &Renderer{FontPath: fontPath}
}

func (g *Renderer) Render(purchase models.Purchase, tickets []models.Ticket) ([]byte, error) {
	var printable []models.Ticket
	for _, t := range tickets {
		if t.Status == models.TicketPaid || t.Status == models.TicketValidated {
			printable = append(printable, t)
		}
	}
	if len(printable) == 0 {
		return nil, fmt.Errorf("purchase %s has no printable tickets: %w", purchase.ID, models.ErrInvalidState)
	}

	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})

	withText := g.FontPath != ""
	if withText {
		if err := pdf.AddTTFFont("ticket", g.FontPath); err != nil {
			return nil, fmt.Errorf("failed to load font: %w", err)
		}
		if err := pdf.SetFont("ticket", "", 14); err != nil {
			return nil, fmt.Errorf("failed to set font: %w", err)
		}
	}

	for _, t := range printable {
		pdf.AddPage()
		y := 40.0
		if withText {
			y = writeDetails(pdf, purchase, t)
		}
		img, err := qr.TicketImage(t, qrSize)
		if err != nil {
			return nil, err
		}
		if err := pdf.ImageFrom(img, 40, y+20, &gopdf.Rect{W: qrSize, H: qrSize}); err != nil {
			return nil, fmt.Errorf("draw QR for ticket %s: %w", t.ID, err)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// writeDetails prints the ticket header and returns the y position below it.
func writeDetails(pdf *gopdf.GoPdf, purchase models.Purchase, t models.Ticket) float64 {
	pdf.SetX(40)
	pdf.SetY(40)
	pdf.Cell(nil, "EVENT TICKET")
	pdf.Br(30)

	lines := []struct{ label, value string }{
		{"Event", t.EventID},
		{"Purchase", purchase.ID},
		{"Ticket", t.ID},
		{"Code", t.Code},
		{"Price", t.PricePaid.StringFixed(2) + " " + purchase.Currency},
		{"Issued", t.IssuedAt.Format("2006-01-02 15:04")},
	}
	for _, l := range lines {
		pdf.SetX(40)
		pdf.Cell(nil, l.label+": "+l.value)
		pdf.Br(20)
	}
	return pdf.GetY()
}

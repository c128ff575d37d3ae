package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"KotApp/app/config"
	"KotApp/app/models"

	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
)

// ESC/POS Commands
const (
	ESC byte = 0x1B
	GS  byte = 0x1D
	NL  byte = 0x0A
)

const defaultColumns = 48

// escposBuffer accumulates one ticket as ESC/POS bytes
type escposBuffer struct {
	buffer  bytes.Buffer
	columns int
}

func newEscposBuffer(columns int) *escposBuffer {
	if columns <= 0 {
		columns = defaultColumns
	}
	b := &escposBuffer{columns: columns}
	b.buffer.Write([]byte{ESC, '@'})   // initialize
	b.buffer.Write([]byte{ESC, 't', 0}) // PC437
	return b
}

// sanitizeText keeps the ticket printable on PC437 printers
func sanitizeText(text string) string {
	var out strings.Builder
	for _, r := range text {
		switch {
		case r == '₹':
			out.WriteString("Rs.")
		case r < 128:
			out.WriteRune(r)
		default:
			out.WriteByte(' ')
		}
	}
	return out.String()
}

func (b *escposBuffer) write(text string) {
	b.buffer.WriteString(sanitizeText(text))
}

func (b *escposBuffer) println(text string) {
	b.write(text)
	b.lineFeed()
}

func (b *escposBuffer) lineFeed() {
	b.buffer.WriteByte(NL)
}

func (b *escposBuffer) setAlign(align string) {
	var a byte
	switch align {
	case "center":
		a = 1
	case "right":
		a = 2
	}
	b.buffer.Write([]byte{ESC, 'a', a})
}

func (b *escposBuffer) setEmphasize(on bool) {
	var e byte
	if on {
		e = 1
	}
	b.buffer.Write([]byte{ESC, 'E', e})
}

func (b *escposBuffer) setSize(width, height byte) {
	size := ((width - 1) << 4) | (height - 1)
	b.buffer.Write([]byte{GS, '!', size})
}

func (b *escposBuffer) cut() {
	b.buffer.Write([]byte{GS, 'V', 66, 0})
}

func (b *escposBuffer) drawLine() {
	b.println(strings.Repeat("-", b.columns))
}

// column is one cell of a table row; width is a fraction of the paper
type column struct {
	text  string
	align string
	width float64
}

func (b *escposBuffer) tableRow(cols ...column) {
	var line strings.Builder
	used := 0
	for i, col := range cols {
		width := int(float64(b.columns) * col.width)
		if i == len(cols)-1 {
			width = b.columns - used
		}
		used += width
		line.WriteString(fitCell(sanitizeText(col.text), width, col.align))
	}
	b.println(line.String())
}

func fitCell(text string, width int, align string) string {
	if width <= 0 {
		return ""
	}
	if len(text) >= width {
		if align == "left" && width > 1 {
			return text[:width-1] + " "
		}
		return text[len(text)-width:]
	}
	pad := width - len(text)
	switch align {
	case "right":
		return strings.Repeat(" ", pad) + text
	case "center":
		left := pad / 2
		return strings.Repeat(" ", left) + text + strings.Repeat(" ", pad-left)
	default:
		return text + strings.Repeat(" ", pad)
	}
}

// printQRCode renders data as a QR bitmap
func (b *escposBuffer) printQRCode(data string, size int) error {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to generate QR code: %w", err)
	}
	qr.DisableBorder = false
	b.printImage(qr.Image(size))
	return nil
}

// printImage writes img as a GS v 0 raster bitmap
func (b *escposBuffer) printImage(img image.Image) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	widthBytes := (width + 7) / 8

	b.lineFeed()
	b.buffer.Write([]byte{GS, 'v', '0', 0,
		byte(widthBytes % 256), byte(widthBytes / 256),
		byte(height % 256), byte(height / 256)})

	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 8 {
			var packed byte
			for bit := 0; bit < 8; bit++ {
				px := x + bit
				if px >= width {
					continue
				}
				gray := color.GrayModel.Convert(img.At(bounds.Min.X+px, bounds.Min.Y+y)).(color.Gray)
				// bit=1 prints black
				if gray.Y < 128 {
					packed |= 1 << uint(7-bit)
				}
			}
			b.buffer.WriteByte(packed)
		}
	}
	b.lineFeed()
}

func (b *escposBuffer) Bytes() []byte {
	return b.buffer.Bytes()
}

func formatMoney(amount decimal.Decimal) string {
	return "Rs." + amount.StringFixed(2)
}

func ticketTime(t models.Ticket) time.Time {
	if t.CreatedAt.IsZero() {
		return time.Now()
	}
	return t.CreatedAt.Local()
}

// RenderKOT lays out a kitchen order ticket
func RenderKOT(t models.Ticket, columns int) []byte {
	b := newEscposBuffer(columns)

	b.setAlign("center")
	b.setEmphasize(true)
	b.println("KITCHEN ORDER TICKET")
	if t.IsRunningOrder {
		b.println("(RUNNING ORDER)")
	}
	b.setEmphasize(false)
	b.drawLine()

	b.setAlign("left")
	b.println(fmt.Sprintf("Order No: %d", t.OrderNumber))
	b.setEmphasize(true)
	b.setSize(1, 2)
	b.println(fmt.Sprintf("Table: %s", t.Table))
	b.setSize(1, 1)
	b.setEmphasize(false)
	if t.Customer != "" {
		b.println(fmt.Sprintf("Customer: %s", t.Customer))
	}
	if t.Waiter != "" {
		b.println(fmt.Sprintf("Waiter: %s", t.Waiter))
	}
	b.println(fmt.Sprintf("Time: %s", ticketTime(t).Format("02/01/2006 15:04")))
	b.drawLine()

	b.setEmphasize(true)
	b.println("Items:")
	b.setEmphasize(false)
	for _, item := range t.Items {
		b.println(item.Name)
		b.setEmphasize(true)
		b.println(fmt.Sprintf("  Qty: %d", item.Qty))
		b.setEmphasize(false)
	}

	b.drawLine()
	b.setAlign("center")
	b.println("** PREPARE IMMEDIATELY **")
	b.cut()

	return b.Bytes()
}

// upiLink builds the payment intent encoded in the bill QR
func upiLink(vpa, payee string, amount decimal.Decimal) string {
	q := url.Values{}
	q.Set("pa", vpa)
	q.Set("pn", payee)
	q.Set("am", amount.StringFixed(2))
	q.Set("cu", "INR")
	return "upi://pay?" + q.Encode()
}

// RenderBill lays out a customer bill
func RenderBill(t models.Ticket, business config.BusinessConfig, columns int) ([]byte, error) {
	b := newEscposBuffer(columns)
	total := decimal.Zero
	if t.Total != nil {
		total = *t.Total
	} else {
		for _, item := range t.Items {
			total = total.Add(item.LineTotal())
		}
	}

	b.setAlign("center")
	b.setEmphasize(true)
	b.println(strings.ToUpper(business.Name))
	b.setEmphasize(false)
	if business.Address != "" {
		b.println(business.Address)
	}
	if business.Phone != "" {
		b.println("Ph: " + business.Phone)
	}
	b.println("INVOICE / BILL")
	b.drawLine()

	b.setAlign("left")
	customer := t.Customer
	if customer == "" {
		customer = models.DefaultCustomer
	}
	b.println(fmt.Sprintf("Order No: %d", t.OrderNumber))
	b.println(fmt.Sprintf("Customer: %s", customer))
	b.println(fmt.Sprintf("Table: %s", t.Table))
	b.println(fmt.Sprintf("Date: %s", ticketTime(t).Format("02/01/2006 15:04")))
	b.drawLine()

	b.setEmphasize(true)
	b.tableRow(
		column{text: "Item", align: "left", width: 0.5},
		column{text: "Qty", align: "center", width: 0.15},
		column{text: "Price", align: "right", width: 0.15},
		column{text: "Total", align: "right", width: 0.2},
	)
	b.setEmphasize(false)
	b.drawLine()
	for _, item := range t.Items {
		b.tableRow(
			column{text: item.Name, align: "left", width: 0.5},
			column{text: fmt.Sprintf("%d", item.Qty), align: "center", width: 0.15},
			column{text: item.Price.StringFixed(2), align: "right", width: 0.15},
			column{text: item.LineTotal().StringFixed(2), align: "right", width: 0.2},
		)
	}
	b.drawLine()

	b.setEmphasize(true)
	b.tableRow(
		column{text: "TOTAL AMOUNT:", align: "left", width: 0.7},
		column{text: formatMoney(total), align: "right", width: 0.3},
	)
	b.setEmphasize(false)
	b.drawLine()

	method := t.PaymentMethod
	if method == "" {
		method = models.PaymentMethodCash
	}
	b.println(fmt.Sprintf("Payment Method: %s", method))
	b.println(fmt.Sprintf("Amount Paid: %s", formatMoney(total)))

	if method == models.PaymentMethodUPI && business.UPIVPA != "" {
		b.drawLine()
		b.setAlign("center")
		b.println("Scan to pay")
		if err := b.printQRCode(upiLink(business.UPIVPA, business.Name, total), 256); err != nil {
			return nil, err
		}
		b.setAlign("left")
	}

	if business.FSSAI != "" || business.GSTIN != "" {
		b.drawLine()
		if business.FSSAI != "" {
			b.println(fmt.Sprintf("FSSAI No: %s", business.FSSAI))
		}
		if business.GSTIN != "" {
			b.println(fmt.Sprintf("GST No: %s", business.GSTIN))
		}
	}

	b.drawLine()
	b.setAlign("center")
	footer := business.Footer
	if footer == "" {
		footer = "Thank you for visiting!"
	}
	b.println(footer)
	b.cut()

	return b.Bytes(), nil
}

// PrinterService prints tickets on directly attached ESC/POS printers:
// KOTs on the kitchen printer, bills on the counter printer
type PrinterService struct {
	business config.BusinessConfig
	kitchen  config.PrinterConfig
	counter  config.PrinterConfig
	timeout  time.Duration
	mu       sync.Mutex
}

// NewPrinterService creates a printer service
func NewPrinterService(printing config.PrintingConfig, business config.BusinessConfig) *PrinterService {
	timeout := printing.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PrinterService{
		business: business,
		kitchen:  printing.Kitchen,
		counter:  printing.Counter,
		timeout:  timeout,
	}
}

// Render returns the ticket bytes and the printer they go to
func (s *PrinterService) Render(t models.Ticket) ([]byte, config.PrinterConfig, error) {
	switch t.TicketType {
	case models.TicketTypeKOT:
		return RenderKOT(t, s.kitchen.Columns), s.kitchen, nil
	case models.TicketTypeBill:
		data, err := RenderBill(t, s.business, s.counter.Columns)
		return data, s.counter, err
	default:
		return nil, config.PrinterConfig{}, fmt.Errorf("invalid print type %q", t.TicketType)
	}
}

// Print renders t and sends it to its printer
func (s *PrinterService) Print(ctx context.Context, t models.Ticket) error {
	data, printer, err := s.Render(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := connectPrinter(ctx, printer, s.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to %s printer: %w", printer.Type, err)
	}
	return nil
}

// PrinterStatus describes one configured printer
type PrinterStatus struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Online  bool   `json:"online"`
	Error   string `json:"error,omitempty"`
}

// Status probes both printers
func (s *PrinterService) Status(ctx context.Context) map[string]PrinterStatus {
	out := make(map[string]PrinterStatus, 2)
	for name, printer := range map[string]config.PrinterConfig{"kitchen": s.kitchen, "counter": s.counter} {
		status := PrinterStatus{Type: printer.Type, Address: printer.Address}
		if err := probePrinter(ctx, printer, s.timeout); err != nil {
			status.Error = err.Error()
		} else {
			status.Online = true
		}
		out[name] = status
	}
	return out
}

func connectPrinter(ctx context.Context, printer config.PrinterConfig, timeout time.Duration) (io.WriteCloser, error) {
	switch printer.Type {
	case "network":
		address := printer.Address
		if _, _, err := net.SplitHostPort(address); err != nil {
			address = net.JoinHostPort(address, "9100")
		}
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to network printer at %s: %w", address, err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		return conn, nil
	case "usb", "serial":
		f, err := os.OpenFile(printer.Address, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s printer at %s: %w", printer.Type, printer.Address, err)
		}
		return f, nil
	case "file":
		f, err := os.OpenFile(printer.Address, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output file at %s: %w", printer.Address, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported printer type: %s", printer.Type)
	}
}

func probePrinter(ctx context.Context, printer config.PrinterConfig, timeout time.Duration) error {
	switch printer.Type {
	case "file":
		return nil
	default:
		conn, err := connectPrinter(ctx, printer, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

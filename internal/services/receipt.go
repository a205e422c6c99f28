package services

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image/color"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

const (
	receiptWidth   = 640
	receiptMargin  = 40.0
	receiptLineGap = 30.0
)

// ReceiptRenderer draws a PNG receipt for an order.
type ReceiptRenderer struct {
	font *truetype.Font
}

// NewReceiptRenderer loads the TTF at fontPath, or the bundled Go font when empty.
func NewReceiptRenderer(fontPath string) (*ReceiptRenderer, error) {
	raw := goregular.TTF
	if p := strings.TrimSpace(fontPath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read font file: %w", err)
		}
		raw = b
	}
	f, err := truetype.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return &ReceiptRenderer{font: f}, nil
}

func (r *ReceiptRenderer) face(size float64) font.Face {
	return truetype.NewFace(r.font, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingNone})
}

func (r *ReceiptRenderer) Render(order *types.OrderConfirmation, items []types.LineItem, branding merchantcfg.Branding) (bytes.Buffer, error) {
	var buf bytes.Buffer
	if order == nil {
		return buf, fmt.Errorf("order required")
	}
	branding = withBrandingDefaults(branding)
	height := int(260 + receiptLineGap*float64(len(items)+1))

	dc := gg.NewContext(receiptWidth, height)
	dc.SetColor(color.White)
	dc.Clear()

	primary := hexColor(branding.PrimaryColor)
	accent := hexColor(branding.AccentColor)

	dc.SetColor(primary)
	dc.DrawRectangle(0, 0, receiptWidth, 80)
	dc.Fill()
	dc.SetFontFace(r.face(28))
	dc.SetColor(color.White)
	dc.DrawStringAnchored(branding.DisplayName, receiptMargin, 40, 0, 0.5)

	dc.SetFontFace(r.face(16))
	dc.SetColor(color.Black)
	y := 120.0
	dc.DrawString("Order "+order.OrderReference, receiptMargin, y)
	dc.DrawStringAnchored(order.CreatedAt.UTC().Format("2006-01-02"), receiptWidth-receiptMargin, y, 1, 0)
	y += receiptLineGap

	dc.SetColor(accent)
	dc.DrawLine(receiptMargin, y-12, receiptWidth-receiptMargin, y-12)
	dc.SetLineWidth(1)
	dc.Stroke()

	dc.SetColor(color.Black)
	for _, it := range items {
		y += receiptLineGap
		dc.DrawString(fmt.Sprintf("%d x %s", it.Quantity, truncate(it.Name, 40)), receiptMargin, y)
		dc.DrawStringAnchored(it.Subtotal().String()+" "+order.Currency, receiptWidth-receiptMargin, y, 1, 0)
	}
	y += receiptLineGap * 1.5
	dc.SetFontFace(r.face(20))
	dc.DrawString("Total", receiptMargin, y)
	dc.DrawStringAnchored(order.TotalAmount.String()+" "+order.Currency, receiptWidth-receiptMargin, y, 1, 0)

	dc.SetFontFace(r.face(13))
	dc.SetColor(color.Gray{Y: 100})
	y += receiptLineGap * 1.5
	dc.DrawString("Payment "+order.PaymentConfirmation, receiptMargin, y)
	if branding.SupportEmail != "" {
		y += receiptLineGap * 0.8
		dc.DrawString("Questions? "+branding.SupportEmail, receiptMargin, y)
	}
	dc.DrawStringAnchored(branding.Footer, receiptWidth/2, float64(height)-24, 0.5, 0)

	if err := dc.EncodePNG(&buf); err != nil {
		return buf, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func hexColor(s string) color.NRGBA {
	r, g, b, err := parseHexRGB(normalizeHex(s))
	if err != nil {
		return color.NRGBA{A: 255}
	}
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	s = strings.ToUpper(s)
	if len(s) != 7 {
		return ""
	}
	if _, _, _, err := parseHexRGB(s); err != nil {
		return ""
	}
	return s
}

func parseHexRGB(s string) (r, g, b uint8, err error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("expected 6 hex chars")
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid hex")
	}
	return raw[0], raw[1], raw[2], nil
}

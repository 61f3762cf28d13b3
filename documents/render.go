package documents

import (
	"bytes"
	"embed"
	"html/template"
	"time"

	"invoicekits/apperrors"
	"invoicekits/ledger"
	"invoicekits/models"
)

//go:embed templates/invoice.html
var templateFS embed.FS

// Style is the palette of one invoice template.
type Style struct {
	PrimaryColor string
	AccentColor  string
	Background   string
	TextColor    string
	FontFamily   string
	HeaderStyle  string
}

var styles = map[string]Style{
	"clean_slate": {
		PrimaryColor: "#1F2937", AccentColor: "#3B82F6", Background: "#FFFFFF",
		TextColor: "#1F2937", FontFamily: "Inter, sans-serif", HeaderStyle: "minimal",
	},
	"executive": {
		PrimaryColor: "#1E3A5F", AccentColor: "#C9A227", Background: "#FAFAFA",
		TextColor: "#1E3A5F", FontFamily: "Georgia, serif", HeaderStyle: "classic",
	},
	"bold_modern": {
		PrimaryColor: "#7C3AED", AccentColor: "#EC4899", Background: "#FFFFFF",
		TextColor: "#111827", FontFamily: "Poppins, sans-serif", HeaderStyle: "bold",
	},
	"classic_professional": {
		PrimaryColor: "#374151", AccentColor: "#059669", Background: "#FFFFFF",
		TextColor: "#374151", FontFamily: "Times New Roman, serif", HeaderStyle: "traditional",
	},
	"neon_edge": {
		PrimaryColor: "#0F172A", AccentColor: "#22D3EE", Background: "#0F172A",
		TextColor: "#E2E8F0", FontFamily: "Roboto Mono, monospace", HeaderStyle: "dark",
	},
}

type pageData struct {
	Invoice        models.Invoice
	AccountName    string
	Style          Style
	StyleName      string
	CurrencySymbol string
	ShowWatermark  bool
	TermsLabel     string
}

var termLabels = map[models.PaymentTerms]string{
	models.TermsDueOnReceipt: "Due on Receipt",
	models.TermsNet15:        "Net 15",
	models.TermsNet30:        "Net 30",
	models.TermsNet45:        "Net 45",
	models.TermsNet60:        "Net 60",
}

// Renderer turns invoices into standalone HTML documents.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("invoice.html").Funcs(template.FuncMap{
		"date": func(t time.Time) string { return t.Format("January 2, 2006") },
	}).ParseFS(templateFS, "templates/invoice.html")
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl}, nil
}

// StyleFor picks the template style an invoice is rendered with: its own
// style if the account's tier includes it, clean_slate otherwise.
func StyleFor(inv models.Invoice, tier models.SubscriptionTier) string {
	if _, ok := styles[inv.TemplateStyle]; ok && ledger.PolicyFor(tier).AllowsTemplate(inv.TemplateStyle) {
		return inv.TemplateStyle
	}
	return ledger.DefaultTemplate
}

// Render produces the HTML document of inv as issued by account. Tiers with
// a watermark get a FREE PLAN watermark.
func (r *Renderer) Render(inv models.Invoice, account models.Account) ([]byte, error) {
	name := StyleFor(inv, account.SubscriptionTier)
	data := pageData{
		Invoice:        inv,
		AccountName:    account.Name,
		Style:          styles[name],
		StyleName:      name,
		CurrencySymbol: models.CurrencySymbol(inv.Currency),
		ShowWatermark:  ledger.PolicyFor(account.SubscriptionTier).Watermark,
		TermsLabel:     termLabels[inv.PaymentTerms],
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, apperrors.Wrap(err).WithMessagef("render invoice %s", inv.InvoiceNumber).Mark(apperrors.ErrValidation)
	}
	return buf.Bytes(), nil
}

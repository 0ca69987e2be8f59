package invoice

import (
	"time"
)

// Field is one column of the extraction schema
type Field struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"is_active"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Usage is the running count of invoices processed since the trial began
type Usage struct {
	TotalCalls int       `json:"total_calls"`
	TrialStart time.Time `json:"trial_start_date"`
}

// Trial limits usage; zero values mean unlimited
type Trial struct {
	MaxInvoices int
	Days        int
}

// UsageReport is Usage measured against the trial
type UsageReport struct {
	TotalCalls        int        `json:"total_calls"`
	MaxTrialInvoices  int        `json:"max_trial_invoices"`
	InvoicesRemaining *int       `json:"invoices_remaining"`
	TrialExpiresAt    *time.Time `json:"trial_expires_at"`
	IsLimitReached    bool       `json:"is_limit_reached"`
}

// Report measures usage against the trial at now
func (t Trial) Report(usage *Usage, now time.Time) *UsageReport {
	report := &UsageReport{
		TotalCalls:       usage.TotalCalls,
		MaxTrialInvoices: t.MaxInvoices,
	}
	if t.MaxInvoices > 0 {
		remaining := max(t.MaxInvoices-usage.TotalCalls, 0)
		report.InvoicesRemaining = &remaining
		report.IsLimitReached = remaining == 0
	}
	if t.Days > 0 {
		expires := usage.TrialStart.AddDate(0, 0, t.Days)
		report.TrialExpiresAt = &expires
		if !now.Before(expires) {
			report.IsLimitReached = true
		}
	}
	return report
}

// DefaultFields seed an empty schema
var DefaultFields = []Field{
	{Name: "Invoice_Date", Description: "The date mentioned on the invoice in YYYY-MM-DD format"},
	{Name: "Invoice_No", Description: "The unique invoice number or reference number"},
	{Name: "Supplier_Name", Description: "The name of the company or person providing the goods or service"},
	{Name: "Supplier_NTN", Description: "National Tax Number of the supplier"},
	{Name: "Supplier_GST_No", Description: "GST Registration Number of the supplier (often labeled as STRN or G.S.T)"},
	{Name: "Supplier_Registration_No", Description: "Company registration number or STRN of the supplier"},
	{Name: "Buyer_Name", Description: "The name of the customer or recipient"},
	{Name: "Buyer_NTN", Description: "National Tax Number of the buyer"},
	{Name: "Buyer_GST_No", Description: "GST Registration Number of the buyer (often labeled as STRN or G.S.T)"},
	{Name: "Buyer_Registration_No", Description: "Company registration number or STRN of the buyer"},
	{Name: "Exclusive_Value", Description: "The base amount before taxes"},
	{Name: "GST_Sales_Tax", Description: "The amount of Sales Tax or GST applied"},
	{Name: "Inclusive_Value", Description: "The total amount including taxes"},
	{Name: "Advance_Tax", Description: "Any withholding or advance tax mentioned"},
	{Name: "Net_Amount", Description: "The final payable amount"},
	{Name: "Discount", Description: "Total discount amount applied"},
	{Name: "Incentive", Description: "Any incentive or bonus mentioned"},
	{Name: "Location", Description: "Physical location or city mentioned on the invoice"},
}

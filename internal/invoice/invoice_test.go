package invoice

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Trial", func() {
	var (
		start time.Time
		usage *Usage
	)

	BeforeEach(func() {
		start = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		usage = &Usage{TotalCalls: 7, TrialStart: start}
	})

	When("the trial is unlimited", func() {
		It("should never reach the limit", func() {
			report := Trial{}.Report(usage, start.AddDate(1, 0, 0))
			Expect(report.TotalCalls).To(Equal(7))
			Expect(report.InvoicesRemaining).To(BeNil())
			Expect(report.TrialExpiresAt).To(BeNil())
			Expect(report.IsLimitReached).To(BeFalse())
		})
	})

	When("invoices are capped", func() {
		It("should report what is left", func() {
			report := Trial{MaxInvoices: 10}.Report(usage, start)
			Expect(*report.InvoicesRemaining).To(Equal(3))
			Expect(report.IsLimitReached).To(BeFalse())
		})

		It("should reach the limit at the cap", func() {
			usage.TotalCalls = 10
			report := Trial{MaxInvoices: 10}.Report(usage, start)
			Expect(*report.InvoicesRemaining).To(BeZero())
			Expect(report.IsLimitReached).To(BeTrue())
		})

		It("should not report negative remaining invoices", func() {
			usage.TotalCalls = 12
			report := Trial{MaxInvoices: 10}.Report(usage, start)
			Expect(*report.InvoicesRemaining).To(BeZero())
		})
	})

	When("the trial has a duration", func() {
		It("should report the expiry", func() {
			report := Trial{Days: 14}.Report(usage, start.AddDate(0, 0, 13))
			Expect(*report.TrialExpiresAt).To(BeTemporally("==", start.AddDate(0, 0, 14)))
			Expect(report.IsLimitReached).To(BeFalse())
		})

		It("should reach the limit once expired", func() {
			report := Trial{Days: 14}.Report(usage, start.AddDate(0, 0, 14))
			Expect(report.IsLimitReached).To(BeTrue())
		})
	})
})

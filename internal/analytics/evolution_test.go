package analytics

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("PriceEvolution", func() {
	var (
		e       *Engine
		records []Record
		query   string
		report  PriceEvolutionReport
		err     error
	)

	BeforeEach(func() {
		e = newEngine()
		query = "leche"
		records = []Record{
			record("r3", "Mercadona", day(2024, time.May, 20), line("Leche Entera", "1.10")),
			record("r1", "Mercadona", day(2024, time.April, 2), line("Leche entera", "1.00"), line("Pan", "0.90")),
			record("r2", "Lidl", day(2024, time.April, 10), line("LECHE semidesnatada", "0.95")),
			record("r4", "Lidl", day(2024, time.June, 1), line("Leche", "0.94")),
			record("r0", "Dia", day(2023, time.December, 1), line("Leche", "0.50")),
		}
	})

	JustBeforeEach(func() {
		report, err = e.PriceEvolution(records, query, 6)
	})

	It("should match products by folded substring inside the window", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(report.TotalPurchases).To(Equal(4))
		Expect(report.ByStore).To(HaveLen(2))
		Expect(report.OverallAvg.Equal(dec("1.00"))).To(BeTrue())
	})

	It("should sort stores by average price", func() {
		Expect(report.ByStore[0].StoreName).To(Equal("Lidl"))
		Expect(report.ByStore[0].Avg.Equal(dec("0.95"))).To(BeTrue())
		Expect(report.ByStore[1].StoreName).To(Equal("Mercadona"))
		Expect(report.BestStore).To(Equal("Lidl"))
		Expect(report.WorstStore).To(Equal("Mercadona"))
	})

	It("should order points chronologically", func() {
		m := report.ByStore[1]
		Expect(m.Prices).To(HaveLen(2))
		Expect(m.Prices[0].RecordID).To(Equal("r1"))
		Expect(m.Prices[1].RecordID).To(Equal("r3"))
		Expect(m.Min.Equal(dec("1.00"))).To(BeTrue())
		Expect(m.Max.Equal(dec("1.10"))).To(BeTrue())
		Expect(m.Trend).To(Equal(TrendIncreasing))
	})

	When("only one store matches", func() {
		BeforeEach(func() {
			query = "Semidesnatada"
		})

		It("should not name a best or worst store", func() {
			Expect(report.ByStore).To(HaveLen(1))
			Expect(report.ByStore[0].Trend).To(Equal(TrendStable))
			Expect(report.BestStore).To(BeEmpty())
			Expect(report.WorstStore).To(BeEmpty())
		})
	})

	When("an item has no unit price", func() {
		BeforeEach(func() {
			pack := line("Leche", "3.00")
			pack.Quantity = decimal.NewFromInt(3)
			records = []Record{record("r1", "Dia", day(2024, time.June, 1), pack)}
		})

		It("should divide the total by the quantity", func() {
			Expect(report.ByStore[0].Prices[0].Price.Equal(dec("1.00"))).To(BeTrue())
		})
	})

	It("should reject a blank query", func() {
		_, err := e.PriceEvolution(records, "   ", 6)
		Expect(err).To(MatchError(ErrEmptyQuery))
	})

	It("should reject a window shorter than a month", func() {
		_, err := e.PriceEvolution(records, "leche", 0)
		Expect(err).To(MatchError(ErrInvalidRange))
	})

	DescribeTable("trend",
		func(first, last string, want Trend) {
			Expect(trendOf([]decimal.Decimal{dec(first), dec(last)})).To(Equal(want))
		},
		Entry("up by ten percent", "1.00", "1.10", TrendIncreasing),
		Entry("down by six percent", "1.00", "0.94", TrendDecreasing),
		Entry("up by two percent", "1.00", "1.02", TrendStable),
		Entry("exactly five percent", "1.00", "1.05", TrendStable),
	)

	It("should call a single point stable", func() {
		Expect(trendOf([]decimal.Decimal{dec("1.00")})).To(Equal(TrendStable))
	})
})

package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		ctx context.Context
		db  *BoltDB
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveReceipt and GetReceipt", func() {
		It("should round-trip a receipt", func() {
			r := sampleReceipt("r1", "alice", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
			Expect(db.SaveReceipt(ctx, r)).To(Succeed())

			saved, err := db.GetReceipt(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.UserID).To(Equal("alice"))
			Expect(saved.StoreName).To(Equal("Mercadona"))
			Expect(saved.PurchaseDate.Equal(r.PurchaseDate)).To(BeTrue())
			Expect(saved.TotalAmount.Equal(r.TotalAmount)).To(BeTrue())
			Expect(saved.Items).To(HaveLen(2))
			Expect(saved.Items[0].UnitPrice.Valid).To(BeTrue())
			Expect(saved.Items[1].UnitPrice.Valid).To(BeFalse())
			Expect(saved.FilePath).To(Equal(r.FilePath))
		})

		It("should report a missing receipt as not found", func() {
			_, err := db.GetReceipt(ctx, "nonexistent")
			Expect(err).To(MatchError(ErrNotFound))
			Expect(err.Error()).To(ContainSubstring("nonexistent"))
		})

		It("should honour a cancelled context", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			Expect(db.SaveReceipt(cctx, sampleReceipt("r1", "alice", time.Now()))).To(MatchError(context.Canceled))
		})
	})

	Describe("FindByImageHash", func() {
		BeforeEach(func() {
			r := sampleReceipt("r1", "alice", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
			r.ImageHash = "hash-1"
			Expect(db.SaveReceipt(ctx, r)).To(Succeed())
		})

		It("should find the receipt for the same user", func() {
			found, err := db.FindByImageHash(ctx, "alice", "hash-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found.ID).To(Equal("r1"))
		})

		It("should not find another user's upload", func() {
			_, err := db.FindByImageHash(ctx, "bob", "hash-1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should forget the hash once the receipt is deleted", func() {
			Expect(db.DeleteReceipt(ctx, "r1")).To(Succeed())
			_, err := db.FindByImageHash(ctx, "alice", "hash-1")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("ListReceipts", func() {
		BeforeEach(func() {
			for _, r := range []*Receipt{
				sampleReceipt("r1", "alice", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)),
				sampleReceipt("r2", "alice", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
				sampleReceipt("r3", "bob", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
				sampleReceipt("r4", "alice", time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)),
			} {
				Expect(db.SaveReceipt(ctx, r)).To(Succeed())
			}
		})

		ids := func(rs []*Receipt) []string {
			out := make([]string, len(rs))
			for i, r := range rs {
				out[i] = r.ID
			}
			return out
		}

		It("should return everything newest first without a filter", func() {
			rs, err := db.ListReceipts(ctx, Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(rs)).To(Equal([]string{"r2", "r4", "r3", "r1"}))
		})

		It("should filter by user", func() {
			rs, err := db.ListReceipts(ctx, Filter{UserID: "alice"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(rs)).To(Equal([]string{"r2", "r4", "r1"}))
		})

		It("should filter by purchase date inclusively", func() {
			rs, err := db.ListReceipts(ctx, Filter{
				UserID: "alice",
				From:   time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
				To:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(rs)).To(Equal([]string{"r2", "r4"}))
		})

		It("should return an empty slice when nothing matches", func() {
			rs, err := db.ListReceipts(ctx, Filter{UserID: "carol"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rs).NotTo(BeNil())
			Expect(rs).To(BeEmpty())
		})
	})

	Describe("DeleteReceipt", func() {
		It("should remove the receipt", func() {
			Expect(db.SaveReceipt(ctx, sampleReceipt("r1", "alice", time.Now()))).To(Succeed())
			Expect(db.DeleteReceipt(ctx, "r1")).To(Succeed())
			_, err := db.GetReceipt(ctx, "r1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should report a missing receipt", func() {
			Expect(db.DeleteReceipt(ctx, "nope")).To(MatchError(ErrNotFound))
		})
	})

	Describe("NewBoltDB", func() {
		It("should fail on an unusable path", func() {
			_, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "missing", "dir", "test.db"))
			Expect(err).To(MatchError(ContainSubstring("opening boltdb")))
		})
	})
})

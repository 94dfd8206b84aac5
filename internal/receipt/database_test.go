package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// storeBehaviour is shared by every Store implementation
func storeBehaviour(newStore func(dir string) Store) {
	var (
		ctx   context.Context
		store Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newStore(GinkgoT().TempDir())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	record := func(id, owner string) *Record {
		return &Record{
			ID:        id,
			OwnerID:   owner,
			Vendor:    "Vendor " + id,
			Total:     "12.50",
			Date:      "2024-01-01",
			Category:  "Food",
			CreatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		}
	}

	Describe("Put and Get", func() {
		BeforeEach(func() {
			Expect(store.Put(ctx, record("r1", "u1"))).To(Succeed())
		})

		It("should return the saved record to its owner", func() {
			got, err := store.Get(ctx, "u1", "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Vendor).To(Equal("Vendor r1"))
			Expect(got.CreatedAt.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))).To(BeTrue())
		})

		It("should hide the record from other owners", func() {
			_, err := store.Get(ctx, "u2", "r1")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns ErrNotFound for unknown ids", func() {
			_, err := store.Get(ctx, "u1", "nope")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Put without an owner", func() {
		It("returns an error", func() {
			Expect(store.Put(ctx, &Record{ID: "r1"})).NotTo(Succeed())
		})
	})

	Describe("ListByOwner", func() {
		BeforeEach(func() {
			Expect(store.Put(ctx, record("r1", "u1"))).To(Succeed())
			Expect(store.Put(ctx, record("r2", "u1"))).To(Succeed())
			Expect(store.Put(ctx, record("r3", "u2"))).To(Succeed())
		})

		It("should return only the owner's records", func() {
			records, err := store.ListByOwner(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			for _, r := range records {
				Expect(r.OwnerID).To(Equal("u1"))
			}
		})

		It("should return an empty list for an owner with no records", func() {
			records, err := store.ListByOwner(ctx, "u3")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			Expect(store.Put(ctx, record("r1", "u1"))).To(Succeed())
		})

		It("should remove the record", func() {
			Expect(store.Delete(ctx, "u1", "r1")).To(Succeed())
			records, err := store.ListByOwner(ctx, "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())
		})

		It("should not fail for a missing record", func() {
			Expect(store.Delete(ctx, "u1", "nonexistent")).To(Succeed())
		})

		It("should not delete another owner's record", func() {
			Expect(store.Delete(ctx, "u2", "r1")).To(Succeed())
			_, err := store.Get(ctx, "u1", "r1")
			Expect(err).NotTo(HaveOccurred())
		})
	})
}

var _ = Describe("BoltDB", func() {
	storeBehaviour(func(dir string) Store {
		db, err := NewBoltDB(filepath.Join(dir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		return db
	})
})

var _ = Describe("SQLiteStore", func() {
	storeBehaviour(func(dir string) Store {
		db, err := NewSQLiteStore(filepath.Join(dir, "data", "test.sqlite"))
		Expect(err).NotTo(HaveOccurred())
		return db
	})
})

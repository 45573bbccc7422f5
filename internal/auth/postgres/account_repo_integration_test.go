// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/tifpoint/tifpoint/internal/audit"
	"github.com/tifpoint/tifpoint/internal/auth"
	"github.com/tifpoint/tifpoint/internal/auth/postgres"
)

func newAccount(username, email, nim string) *auth.Account {
	acct, err := auth.NewAccount(username, email, "Test "+username, nim, "plain$secret")
	Expect(err).NotTo(HaveOccurred())
	acct.CreatedAt = acct.CreatedAt.UTC().Truncate(time.Microsecond)
	acct.UpdatedAt = acct.CreatedAt
	return acct
}

var _ = Describe("AccountRepository", func() {
	var (
		ctx  context.Context
		repo *postgres.AccountRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		repo = postgres.NewAccountRepository(testPool)
		_, err := testPool.Exec(ctx, `TRUNCATE accounts`)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Create", func() {
		It("stores the account and finds it by email ignoring case", func() {
			acct := newAccount("siti_a", "siti@example.com", "A11.2022.00001")
			Expect(repo.Create(ctx, acct)).To(Succeed())

			got, err := repo.GetByEmail(ctx, "SITI@Example.COM")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(acct.ID))
			Expect(got.Role).To(Equal(auth.RoleStudent))
			Expect(*got.NIM).To(Equal("A11.2022.00001"))
		})

		DescribeTable("rejects duplicates",
			func(username, email, nim string) {
				Expect(repo.Create(ctx, newAccount("first_user", "first@example.com", "N-1"))).To(Succeed())
				err := repo.Create(ctx, newAccount(username, email, nim))
				Expect(err).To(MatchError(auth.ErrAccountExists))
			},
			Entry("username differing only in case", "FIRST_USER", "other@example.com", ""),
			Entry("email differing only in case", "other_user", "FIRST@example.com", ""),
			Entry("nim", "other_user", "other@example.com", "N-1"),
		)

		It("allows several accounts without a NIM", func() {
			Expect(repo.Create(ctx, newAccount("no_nim_1", "a@example.com", ""))).To(Succeed())
			Expect(repo.Create(ctx, newAccount("no_nim_2", "b@example.com", ""))).To(Succeed())
		})
	})

	Describe("lockout state", func() {
		It("keeps the deadline when a failure carries none and clears it on success", func() {
			acct := newAccount("lock_user", "lock@example.com", "")
			Expect(repo.Create(ctx, acct)).To(Succeed())

			deadline := time.Now().Add(30 * time.Second).UTC().Truncate(time.Microsecond)
			Expect(repo.RecordLoginFailure(ctx, acct.ID, 3, &deadline)).To(Succeed())
			Expect(repo.RecordLoginFailure(ctx, acct.ID, 4, nil)).To(Succeed())

			got, err := repo.GetByID(ctx, acct.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.FailedAttempts).To(Equal(4))
			Expect(got.LockedUntil).NotTo(BeNil())
			Expect(got.LockedUntil.Equal(deadline)).To(BeTrue())

			Expect(repo.RecordLoginSuccess(ctx, acct.ID)).To(Succeed())
			got, err = repo.GetByID(ctx, acct.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.FailedAttempts).To(BeZero())
			Expect(got.LockedUntil).To(BeNil())
		})

		It("reports unknown accounts", func() {
			err := repo.RecordLoginSuccess(ctx, ulid.Make())
			Expect(err).To(MatchError(auth.ErrNotFound))
		})
	})

	Describe("reset tokens", func() {
		var acct *auth.Account

		BeforeEach(func() {
			acct = newAccount("reset_user", "reset@example.com", "")
			Expect(repo.Create(ctx, acct)).To(Succeed())
		})

		It("redeems a token exactly once", func() {
			now := time.Now()
			Expect(repo.SetResetToken(ctx, acct.ID, "digest-1", now.Add(time.Hour))).To(Succeed())

			id, err := repo.RedeemResetToken(ctx, "digest-1", "plain$new", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(acct.ID))

			got, err := repo.GetByID(ctx, acct.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PasswordHash).To(Equal("plain$new"))

			_, err = repo.RedeemResetToken(ctx, "digest-1", "plain$again", now)
			Expect(err).To(MatchError(auth.ErrNotFound))
		})

		It("rejects a token at or after its expiry", func() {
			now := time.Now()
			Expect(repo.SetResetToken(ctx, acct.ID, "digest-2", now.Add(time.Hour))).To(Succeed())

			_, err := repo.RedeemResetToken(ctx, "digest-2", "plain$new", now.Add(time.Hour))
			Expect(err).To(MatchError(auth.ErrNotFound))
		})

		It("invalidates the previous token on re-issue", func() {
			now := time.Now()
			Expect(repo.SetResetToken(ctx, acct.ID, "old", now.Add(time.Hour))).To(Succeed())
			Expect(repo.SetResetToken(ctx, acct.ID, "new", now.Add(time.Hour))).To(Succeed())

			_, err := repo.RedeemResetToken(ctx, "old", "plain$x", now)
			Expect(err).To(MatchError(auth.ErrNotFound))
			_, err = repo.RedeemResetToken(ctx, "new", "plain$x", now)
			Expect(err).NotTo(HaveOccurred())
		})

		It("lets only one concurrent redeemer win", func() {
			now := time.Now()
			Expect(repo.SetResetToken(ctx, acct.ID, "race", now.Add(time.Hour))).To(Succeed())

			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					if _, err := repo.RedeemResetToken(ctx, "race", "plain$x", now); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			Expect(wins.Load()).To(Equal(int32(1)))
		})

		It("purges expired tokens only", func() {
			other := newAccount("fresh_user", "fresh@example.com", "")
			Expect(repo.Create(ctx, other)).To(Succeed())

			now := time.Now()
			Expect(repo.SetResetToken(ctx, acct.ID, "stale", now.Add(-time.Minute))).To(Succeed())
			Expect(repo.SetResetToken(ctx, other.ID, "fresh", now.Add(time.Hour))).To(Succeed())

			n, err := repo.PurgeExpiredResetTokens(ctx, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))

			_, err = repo.RedeemResetToken(ctx, "fresh", "plain$x", now)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

var _ = Describe("audit.PostgresStore", func() {
	var (
		ctx   context.Context
		store *audit.PostgresStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = audit.NewPostgresStore(testPool)
		_, err := testPool.Exec(ctx, `TRUNCATE activity_logs`)
		Expect(err).NotTo(HaveOccurred())
	})

	It("lists entries newest first with filters and totals", func() {
		base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
		for i, action := range []audit.Action{audit.ActionLoginFailed, audit.ActionLoginSuccess, audit.ActionLoginFailed} {
			Expect(store.Append(ctx, audit.Entry{
				ID:        ulid.Make().String(),
				ActorID:   "01ACTOR",
				Action:    action,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			})).To(Succeed())
		}
		Expect(store.Append(ctx, audit.Entry{
			ID: ulid.Make().String(), Action: audit.ActionLoginFailed, Timestamp: base,
		})).To(Succeed())

		entries, total, err := store.List(ctx, audit.Filter{ActorID: "01ACTOR", Action: audit.ActionLoginFailed}, 1, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(2))
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Timestamp.After(entries[1].Timestamp)).To(BeTrue())

		entries, total, err = store.List(ctx, audit.Filter{}, 2, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(4))
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].ActorID).To(BeEmpty())
	})

	It("treats a re-appended entry as already stored", func() {
		entry := audit.Entry{
			ID:        ulid.Make().String(),
			Action:    audit.ActionPasswordReset,
			Timestamp: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		}
		Expect(store.Append(ctx, entry)).To(Succeed())
		Expect(store.Append(ctx, entry)).To(Succeed())

		_, total, err := store.List(ctx, audit.Filter{}, 1, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(1))
	})
})

package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-scanner/internal/acquire"
	"github.com/zombor/receipt-scanner/internal/receipt"
	"github.com/zombor/receipt-scanner/internal/scanning"
	"github.com/zombor/receipt-scanner/internal/session"
)

func jpegFile() acquire.File {
	return acquire.File{
		Name:        "receipt.jpg",
		ContentType: "image/jpeg",
		Body:        strings.NewReader("jpeg-bytes"),
	}
}

var _ = Describe("Controller", func() {
	var (
		ctx        context.Context
		sess       *session.Session
		extractor  *mockExtractor
		repo       *mockRepo
		controller *Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		sess = session.New("s1", "u1")
		extractor = &mockExtractor{fields: scanning.Fields{Vendor: "Corner Shop", Total: "9.99", Date: "2024-01-15", Category: "food"}}
		repo = newMockRepo()
		controller = NewController(sess, extractor, repo, nil)
	})

	It("should start idle with an empty list", func() {
		view := controller.View()
		Expect(view.State).To(Equal(Idle))
		Expect(view.Draft).To(BeNil())
		Expect(view.Receipts).To(BeEmpty())
		Expect(view.Error).To(BeEmpty())
	})

	Describe("Upload", func() {
		It("should produce a draft owned by the session user", func() {
			draft, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())
			Expect(draft.OwnerID).To(Equal("u1"))
			Expect(draft.Vendor).To(Equal("Corner Shop"))
			Expect(draft.Total).To(Equal("9.99"))
			Expect(controller.State()).To(Equal(AwaitingConfirmation))

			Expect(extractor.calls()).To(Equal(1))
			Expect(extractor.payloads[0].Data).To(Equal([]byte("jpeg-bytes")))
			Expect(extractor.payloads[0].Filename).To(Equal("receipt.jpg"))
		})

		It("should not write anything before confirmation", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			creates, _, _ := repo.counts()
			Expect(creates).To(BeZero())
		})

		It("should reject non-image files without calling extraction", func() {
			_, err := controller.Upload(ctx, acquire.File{Name: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("hi")})
			Expect(err).To(MatchError(acquire.ErrAcquisition))
			Expect(controller.State()).To(Equal(Idle))
			Expect(extractor.calls()).To(BeZero())
		})

		When("extraction fails", func() {
			BeforeEach(func() {
				extractor.err = fmt.Errorf("%w: status 500", scanning.ErrExtractionFailed)
			})

			It("should return to idle without a draft", func() {
				_, err := controller.Upload(ctx, jpegFile())
				Expect(err).To(MatchError(scanning.ErrExtractionFailed))

				view := controller.View()
				Expect(view.State).To(Equal(Idle))
				Expect(view.Draft).To(BeNil())
				Expect(view.Error).To(ContainSubstring("extraction failed"))

				creates, _, _ := repo.counts()
				Expect(creates).To(BeZero())
			})
		})

		When("the extractor returns a bare error", func() {
			BeforeEach(func() {
				extractor.err = errors.New("connection reset")
			})

			It("should classify it as an extraction failure", func() {
				_, err := controller.Upload(ctx, jpegFile())
				Expect(err).To(MatchError(scanning.ErrExtractionFailed))
				Expect(err.Error()).To(ContainSubstring("connection reset"))
			})
		})

		When("a draft is already pending", func() {
			It("should replace it with the new one", func() {
				_, err := controller.Upload(ctx, jpegFile())
				Expect(err).NotTo(HaveOccurred())

				extractor.fields = scanning.Fields{Vendor: "Second Shop"}
				draft, err := controller.Upload(ctx, jpegFile())
				Expect(err).NotTo(HaveOccurred())
				Expect(draft.Vendor).To(Equal("Second Shop"))

				current, err := controller.Draft()
				Expect(err).NotTo(HaveOccurred())
				Expect(current.Vendor).To(Equal("Second Shop"))
			})
		})

		When("a scan is in flight", func() {
			var done chan error

			BeforeEach(func() {
				extractor.release = make(chan struct{})
				done = make(chan error, 1)
				go func() {
					defer GinkgoRecover()
					_, err := controller.Upload(ctx, jpegFile())
					done <- err
				}()
				Eventually(controller.State).Should(Equal(Extracting))
			})

			It("should refuse a second scan", func() {
				_, err := controller.Upload(ctx, jpegFile())
				Expect(err).To(MatchError(ErrBusy))

				close(extractor.release)
				Eventually(done).Should(Receive(BeNil()))
				Expect(controller.State()).To(Equal(AwaitingConfirmation))
			})

			It("should not abandon an extraction", func() {
				Expect(controller.AbandonAcquisition()).To(BeFalse())

				close(extractor.release)
				Eventually(done).Should(Receive(BeNil()))
			})

			It("should drop the result after Close", func() {
				controller.Close()
				close(extractor.release)

				Eventually(done).Should(Receive(MatchError(ErrAbandoned)))
				Expect(controller.State()).To(Equal(Idle))
				Expect(controller.View().Draft).To(BeNil())
			})

			It("should not open a draft once the session has ended", func() {
				sess.Invalidate()
				close(extractor.release)

				Eventually(done).Should(Receive(MatchError(session.ErrAuthRequired)))
				Expect(controller.State()).To(Equal(Idle))
			})
		})
	})

	Describe("Capture", func() {
		It("should extract from the camera frame as a JPEG", func() {
			_, err := controller.Capture(ctx, &mockCamera{})
			Expect(err).NotTo(HaveOccurred())
			Expect(extractor.payloads[0].ContentType).To(Equal(acquire.CameraContentType))
			Expect(extractor.payloads[0].Filename).To(Equal(acquire.CameraFilename))
		})

		It("should go back to idle when the camera fails", func() {
			_, err := controller.Capture(ctx, &mockCamera{err: errors.New("no device")})
			Expect(err).To(MatchError(acquire.ErrAcquisition))
			Expect(controller.State()).To(Equal(Idle))
			Expect(extractor.calls()).To(BeZero())
		})

		It("should drop an abandoned acquisition", func() {
			camera := &mockCamera{release: make(chan struct{})}
			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := controller.Capture(ctx, camera)
				done <- err
			}()
			Eventually(controller.State).Should(Equal(Acquiring))

			Expect(controller.AbandonAcquisition()).To(BeTrue())
			Expect(controller.State()).To(Equal(Idle))

			close(camera.release)
			Eventually(done).Should(Receive(MatchError(ErrAbandoned)))
			Expect(extractor.calls()).To(BeZero())
		})
	})

	Describe("Edit", func() {
		It("should require a pending draft", func() {
			_, err := controller.Edit(receipt.FieldTotal, "1.00")
			Expect(err).To(MatchError(receipt.ErrNoDraft))
		})

		It("should update one field and keep the others", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			draft, err := controller.Edit(receipt.FieldTotal, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(draft.Total).To(BeEmpty())
			Expect(draft.Vendor).To(Equal("Corner Shop"))
		})

		It("should reject unknown fields", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			_, err = controller.Edit("owner_id", "u2")
			Expect(err).To(MatchError(receipt.ErrUnknownField))
		})
	})

	Describe("Confirm", func() {
		It("should require a pending draft", func() {
			_, err := controller.Confirm(ctx)
			Expect(err).To(MatchError(receipt.ErrNoDraft))
		})

		When("a draft is pending", func() {
			BeforeEach(func() {
				_, err := controller.Upload(ctx, jpegFile())
				Expect(err).NotTo(HaveOccurred())
				_, err = controller.Edit(receipt.FieldTotal, "12.34")
				Expect(err).NotTo(HaveOccurred())
			})

			It("should save the edited draft and refetch the list", func() {
				record, err := controller.Confirm(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(record.ID).To(Equal("r-1"))
				Expect(record.OwnerID).To(Equal("u1"))
				Expect(record.Total).To(Equal("12.34"))

				creates, lists, _ := repo.counts()
				Expect(creates).To(Equal(1))
				Expect(lists).To(Equal(1))
				Expect(repo.images[0].ContentType).To(Equal("image/jpeg"))

				view := controller.View()
				Expect(view.State).To(Equal(Idle))
				Expect(view.Draft).To(BeNil())
				Expect(view.Receipts).To(HaveLen(1))
				Expect(view.Summary.Total.String()).To(Equal("12.34"))
			})

			It("should keep the draft when the write fails", func() {
				repo.createErr = fmt.Errorf("%w: disk full", receipt.ErrPersistenceFailed)

				_, err := controller.Confirm(ctx)
				Expect(err).To(MatchError(receipt.ErrPersistenceFailed))

				view := controller.View()
				Expect(view.State).To(Equal(AwaitingConfirmation))
				Expect(view.Draft.Total).To(Equal("12.34"))
				Expect(view.Error).To(ContainSubstring("persistence failed"))

				_, lists, _ := repo.counts()
				Expect(lists).To(BeZero())

				repo.createErr = nil
				record, err := controller.Confirm(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(record.Total).To(Equal("12.34"))
				Expect(controller.View().Error).To(BeEmpty())
			})

			It("should still succeed when the refetch fails", func() {
				repo.listErr = errors.New("timeout")

				_, err := controller.Confirm(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(controller.View().Error).To(ContainSubstring("timeout"))
			})
		})
	})

	Describe("Cancel", func() {
		It("should require a pending draft", func() {
			Expect(controller.Cancel()).To(MatchError(receipt.ErrNoDraft))
		})

		It("should discard the draft without writing", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			Expect(controller.Cancel()).To(Succeed())
			Expect(controller.State()).To(Equal(Idle))

			_, err = controller.Draft()
			Expect(err).To(MatchError(receipt.ErrNoDraft))

			creates, lists, deletes := repo.counts()
			Expect(creates).To(BeZero())
			Expect(lists).To(BeZero())
			Expect(deletes).To(BeZero())
		})
	})

	Describe("Refresh", func() {
		BeforeEach(func() {
			_, _ = repo.Create(ctx, &receipt.Record{OwnerID: "u1", Total: "$1.50"}, nil)
			_, _ = repo.Create(ctx, &receipt.Record{OwnerID: "u1", Total: "2.50"}, nil)
			_, _ = repo.Create(ctx, &receipt.Record{OwnerID: "u2", Total: "100"}, nil)
		})

		It("should list only the owner's receipts, newest first", func() {
			records, err := controller.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].ID).To(Equal("r-2"))
			Expect(records[1].ID).To(Equal("r-1"))

			view := controller.View()
			Expect(view.Summary.Count).To(Equal(2))
			Expect(view.Summary.Total.String()).To(Equal("4"))
		})

		It("should surface a listing failure", func() {
			repo.listErr = errors.New("unavailable")

			_, err := controller.Refresh(ctx)
			Expect(err).To(HaveOccurred())
			Expect(controller.View().Error).To(ContainSubstring("unavailable"))
		})
	})

	Describe("Delete", func() {
		BeforeEach(func() {
			_, _ = repo.Create(ctx, &receipt.Record{OwnerID: "u1"}, nil)
			_, _ = repo.Create(ctx, &receipt.Record{OwnerID: "u2"}, nil)
		})

		It("should delete and refetch", func() {
			Expect(controller.Delete(ctx, "r-1")).To(Succeed())

			_, lists, deletes := repo.counts()
			Expect(deletes).To(Equal(1))
			Expect(lists).To(Equal(1))
			Expect(controller.View().Receipts).To(BeEmpty())
		})

		It("should leave other owners' receipts alone", func() {
			Expect(controller.Delete(ctx, "r-2")).To(Succeed())
			Expect(repo.records).To(HaveKey("r-2"))
		})

		It("should refetch even when the delete fails", func() {
			repo.deleteErr = fmt.Errorf("%w: locked", receipt.ErrPersistenceFailed)

			err := controller.Delete(ctx, "r-1")
			Expect(err).To(MatchError(receipt.ErrPersistenceFailed))

			_, lists, _ := repo.counts()
			Expect(lists).To(Equal(1))
			Expect(controller.View().Receipts).To(HaveLen(1))
		})
	})

	When("the session has ended", func() {
		BeforeEach(func() {
			sess.Invalidate()
		})

		It("should refuse every operation before any call", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).To(MatchError(session.ErrAuthRequired))
			_, err = controller.Capture(ctx, &mockCamera{})
			Expect(err).To(MatchError(session.ErrAuthRequired))
			_, err = controller.Refresh(ctx)
			Expect(err).To(MatchError(session.ErrAuthRequired))
			Expect(controller.Delete(ctx, "r-1")).To(MatchError(session.ErrAuthRequired))
			_, err = controller.Confirm(ctx)
			Expect(err).To(MatchError(session.ErrAuthRequired))
			_, err = controller.Edit(receipt.FieldVendor, "x")
			Expect(err).To(MatchError(session.ErrAuthRequired))

			Expect(extractor.calls()).To(BeZero())
			creates, lists, deletes := repo.counts()
			Expect(creates + lists + deletes).To(BeZero())
		})
	})

	Describe("View", func() {
		It("should render the state by name and leave out the image", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			data, err := json.Marshal(controller.View())
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"state":"awaiting_confirmation"`))
			Expect(string(data)).To(ContainSubstring(`"vendor":"Corner Shop"`))
			Expect(string(data)).NotTo(ContainSubstring("jpeg-bytes"))
		})

		It("should hand out copies of the draft", func() {
			_, err := controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			controller.View().Draft.Vendor = "tampered"
			draft, err := controller.Draft()
			Expect(err).NotTo(HaveOccurred())
			Expect(draft.Vendor).To(Equal("Corner Shop"))
		})
	})

	Describe("Close", func() {
		It("should clear the draft and the list", func() {
			_, _ = repo.Create(ctx, &receipt.Record{OwnerID: "u1"}, nil)
			_, err := controller.Refresh(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = controller.Upload(ctx, jpegFile())
			Expect(err).NotTo(HaveOccurred())

			controller.Close()

			view := controller.View()
			Expect(view.State).To(Equal(Idle))
			Expect(view.Draft).To(BeNil())
			Expect(view.Receipts).To(BeEmpty())
		})
	})
})

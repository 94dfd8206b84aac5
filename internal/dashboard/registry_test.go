package dashboard

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"github.com/zombor/receipt-scanner/internal/session"
)

var _ = Describe("Registry", func() {
	var (
		repo     *mockRepo
		registry *Registry
	)

	BeforeEach(func() {
		repo = newMockRepo()
		registry = NewRegistry(func(sess *session.Session) *Controller {
			return NewController(sess, &mockExtractor{}, repo, nil)
		})
	})

	It("should create one controller per session", func() {
		sess := session.New("s1", "u1")
		first, err := registry.For(sess)
		Expect(err).NotTo(HaveOccurred())
		second, err := registry.For(sess)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeIdenticalTo(first))

		other, err := registry.For(session.New("s2", "u1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(other).NotTo(BeIdenticalTo(first))
		Expect(registry.Len()).To(Equal(2))
	})

	It("should refuse ended sessions", func() {
		sess := session.New("s1", "u1")
		sess.Invalidate()

		_, err := registry.For(sess)
		Expect(err).To(MatchError(session.ErrAuthRequired))
		Expect(registry.Len()).To(BeZero())
	})

	It("should prune controllers whose session ended without an event", func() {
		ended := session.New("s1", "u1")
		controller, err := registry.For(ended)
		Expect(err).NotTo(HaveOccurred())
		_, err = controller.Upload(context.Background(), jpegFile())
		Expect(err).NotTo(HaveOccurred())
		_, err = registry.For(session.New("s2", "u2"))
		Expect(err).NotTo(HaveOccurred())

		ended.Invalidate()

		Expect(registry.Prune()).To(Equal(1))
		Expect(registry.Len()).To(Equal(1))
		Expect(controller.View().Draft).To(BeNil())
	})

	It("should not keep a controller for a session that ends while it is created", func() {
		sess := session.New("s1", "u1")
		registry = NewRegistry(func(s *session.Session) *Controller {
			// Sign-out lands after the validity check in For
			s.Invalidate()
			return NewController(s, &mockExtractor{}, repo, nil)
		})

		_, err := registry.For(sess)
		Expect(err).To(MatchError(session.ErrAuthRequired))
		Expect(registry.Len()).To(BeZero())
	})

	Describe("Run", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			events chan session.Event
			done   chan struct{}
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			events = make(chan session.Event)
			done = make(chan struct{})
			go func() {
				defer GinkgoRecover()
				registry.Run(ctx, events)
				close(done)
			}()
		})

		AfterEach(func() {
			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("should close the controller of a signed-out session", func() {
			sess := session.New("s1", "u1")
			controller, err := registry.For(sess)
			Expect(err).NotTo(HaveOccurred())
			_, err = controller.Upload(context.Background(), jpegFile())
			Expect(err).NotTo(HaveOccurred())

			events <- session.Event{Kind: session.SignedIn, Session: session.New("s2", "u2")}
			events <- session.Event{Kind: session.SignedOut, Session: sess}

			Eventually(registry.Len).Should(BeZero())
			Expect(controller.View().Draft).To(BeNil())
		})

		It("should prune an ended session whose sign-out was missed", func() {
			missed := session.New("s1", "u1")
			_, err := registry.For(missed)
			Expect(err).NotTo(HaveOccurred())
			missed.Invalidate()

			events <- session.Event{Kind: session.SignedIn, Session: session.New("s2", "u2")}

			Eventually(registry.Len).Should(BeZero())
		})

		It("should stop when the event channel closes", func() {
			close(events)
			Eventually(done).Should(BeClosed())
		})
	})

	It("should follow sign-outs from the session manager", func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		Expect(err).NotTo(HaveOccurred())
		manager, err := session.NewManager("signing-key", time.Hour, map[string]string{"alice": string(hash)})
		Expect(err).NotTo(HaveOccurred())

		events, unsubscribe := manager.Subscribe()
		defer unsubscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go registry.Run(ctx, events)

		token, sess, err := manager.SignIn("alice", "secret")
		Expect(err).NotTo(HaveOccurred())
		_, err = registry.For(sess)
		Expect(err).NotTo(HaveOccurred())
		Expect(registry.Len()).To(Equal(1))

		Expect(manager.SignOut(token)).To(Succeed())
		Eventually(registry.Len).Should(BeZero())
	})
})

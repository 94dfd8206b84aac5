package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-scanner/internal/acquire"
)

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		ollama  *Ollama
		payload *acquire.ImagePayload
		fields  *Fields
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		ollama, newErr = NewOllama(server.URL(), "llava")
		Expect(newErr).NotTo(HaveOccurred())

		var buf bytes.Buffer
		Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))).To(Succeed())
		payload = &acquire.ImagePayload{Data: buf.Bytes(), ContentType: "image/png", Filename: "r.png"}
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		fields, err = ollama.Extract(context.Background(), payload)
	})

	When("the model answers with JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					defer GinkgoRecover()
					body, _ := io.ReadAll(r.Body)
					var req ollamaChatRequest
					Expect(json.Unmarshal(body, &req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "```json\n{\"vendor\":\"Corner Cafe\",\"total\":\"7.20\"}\n```"},
					Done:    true,
				}),
			))
		})

		It("should return the parsed fields", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(*fields).To(Equal(Fields{Vendor: "Corner Cafe", Total: "7.20"}))
		})
	})

	When("the model is not available", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model not found"}`))
		})

		It("returns ExtractionFailed", func() {
			Expect(err).To(MatchError(ErrExtractionFailed))
		})
	})

	When("the model answers with prose", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: "I cannot read this receipt."},
			}))
		})

		It("returns ExtractionFailed", func() {
			Expect(err).To(MatchError(ErrExtractionFailed))
		})
	})
})

var _ = Describe("prepareImage", func() {
	It("converts a WebP upload to PNG", func() {
		data, err := base64.StdEncoding.DecodeString("UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA==")
		Expect(err).NotTo(HaveOccurred())

		out, err := prepareImage(&acquire.ImagePayload{Data: data, ContentType: "image/webp", Filename: "frame.webp"})
		Expect(err).NotTo(HaveOccurred())

		img, err := png.Decode(bytes.NewReader(out))
		Expect(err).NotTo(HaveOccurred())
		Expect(img.Bounds().Dx()).To(Equal(1))
	})
})

var _ = Describe("isHEIC", func() {
	It("detects the MIME type", func() {
		Expect(isHEIC(nil, "image/heic")).To(BeTrue())
	})

	It("detects the ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEIC(data, "application/octet-stream")).To(BeTrue())
	})

	It("ignores other formats", func() {
		Expect(isHEIC([]byte{0xFF, 0xD8, 0xFF}, "image/jpeg")).To(BeFalse())
	})
})

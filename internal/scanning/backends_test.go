package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-intel/internal/category"
)

const receiptAnswer = `{"store_name": "Mercadona", "purchase_date": "2024-03-15", "items": [{"product_name": "Leche", "category": "lácteos", "quantity": 1, "unit_price": 1.10, "total_price": 1.10}], "total_amount": 1.10}`

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

func expectFailure(err error, backend string, kind Kind) {
	var f *Failure
	ExpectWithOffset(1, errors.As(err, &f)).To(BeTrue(), "expected *Failure, got %v", err)
	ExpectWithOffset(1, f.Backend).To(Equal(backend))
	ExpectWithOffset(1, f.Kind).To(Equal(kind))
}

func expectMercadona(outcome Outcome) {
	structured, ok := outcome.(Structured)
	ExpectWithOffset(1, ok).To(BeTrue())
	ExpectWithOffset(1, structured.Draft.StoreName).To(Equal("Mercadona"))
	ExpectWithOffset(1, structured.Draft.Items).To(HaveLen(1))
	ExpectWithOffset(1, structured.Draft.Items[0].Category).To(Equal(category.Dairy))
}

var fastRetry = RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

var _ = Describe("Backends", func() {
	var (
		server *ghttp.Server
		img    Image
		ctx    context.Context
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		img = Image{Data: pngFixture(8, 8), ContentType: "image/png"}
		ctx = context.Background()
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Claude", func() {
		var backend *Claude

		BeforeEach(func() {
			var err error
			backend, err = NewClaude(ClaudeConfig{APIKey: "sk-test", BaseURL: server.URL(), Retry: fastRetry})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should require an api key", func() {
			_, err := NewClaude(ClaudeConfig{})
			Expect(err).To(HaveOccurred())
		})

		When("the provider answers with receipt JSON", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/v1/messages"),
					ghttp.VerifyHeaderKV("x-api-key", "sk-test"),
					ghttp.VerifyHeaderKV("anthropic-version", anthropicVersion),
					ghttp.RespondWith(http.StatusOK, mustJSON(map[string]any{
						"content":     []map[string]string{{"type": "text", "text": receiptAnswer}},
						"stop_reason": "end_turn",
					})),
				))
			})

			It("should return a structured outcome", func() {
				outcome, err := backend.Analyze(ctx, img)
				Expect(err).NotTo(HaveOccurred())
				expectMercadona(outcome)
			})
		})

		When("the key is rejected", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, `{"error":"invalid x-api-key"}`))
			})

			It("should report an authentication failure without retrying", func() {
				_, err := backend.Analyze(ctx, img)
				expectFailure(err, "claude", Authentication)
				Expect(server.ReceivedRequests()).To(HaveLen(1))
			})
		})

		When("the provider is overloaded", func() {
			BeforeEach(func() {
				server.AppendHandlers(
					ghttp.RespondWith(529, `{"error":"overloaded"}`),
					ghttp.RespondWith(529, `{"error":"overloaded"}`),
				)
			})

			It("should retry and then report a transient failure", func() {
				_, err := backend.Analyze(ctx, img)
				expectFailure(err, "claude", Transient)
				Expect(server.ReceivedRequests()).To(HaveLen(2))
			})
		})

		When("the answer is not JSON", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, mustJSON(map[string]any{
					"content": []map[string]string{{"type": "text", "text": "Sorry, I cannot read that."}},
				})))
			})

			It("should report a permanent failure", func() {
				_, err := backend.Analyze(ctx, img)
				expectFailure(err, "claude", Permanent)
			})
		})
	})

	Describe("OpenAI", func() {
		var backend *OpenAI

		BeforeEach(func() {
			var err error
			backend, err = NewOpenAI(OpenAIConfig{APIKey: "sk-openai", BaseURL: server.URL(), Retry: fastRetry})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should send the bearer token and decode the first choice", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/chat/completions"),
				ghttp.VerifyHeaderKV("Authorization", "Bearer sk-openai"),
				ghttp.RespondWith(http.StatusOK, mustJSON(map[string]any{
					"choices": []map[string]any{{"message": map[string]string{"content": receiptAnswer}}},
				})),
			))

			outcome, err := backend.Analyze(ctx, img)
			Expect(err).NotTo(HaveOccurred())
			expectMercadona(outcome)
		})

		It("should fail permanently when there are no choices", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"choices": []}`))

			_, err := backend.Analyze(ctx, img)
			expectFailure(err, "openai", Permanent)
		})
	})

	Describe("Ollama", func() {
		var backend *Ollama

		BeforeEach(func() {
			var err error
			backend, err = NewOllama(server.URL(), "llava")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should put the image inside the user message", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Stream).To(BeFalse())
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWith(http.StatusOK, mustJSON(map[string]any{
					"message": map[string]string{"role": "assistant", "content": receiptAnswer},
					"done":    true,
				})),
			))

			outcome, err := backend.Analyze(ctx, img)
			Expect(err).NotTo(HaveOccurred())
			expectMercadona(outcome)
		})

		It("should report a server error as transient", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))

			_, err := backend.Analyze(ctx, img)
			expectFailure(err, "ollama", Transient)
		})
	})

	Describe("OCRSpace", func() {
		var backend *OCRSpace

		BeforeEach(func() {
			var err error
			backend, err = NewOCRSpace(OCRSpaceConfig{URL: server.URL() + "/parse/image", Retry: fastRetry})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should upload the form and split the text into lines", func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/parse/image"),
				func(w http.ResponseWriter, r *http.Request) {
					Expect(r.ParseMultipartForm(1 << 20)).To(Succeed())
					Expect(r.FormValue("apikey")).To(Equal(ocrSpaceFreeKey))
					Expect(r.FormValue("language")).To(Equal("spa"))
					Expect(r.FormValue("OCREngine")).To(Equal("2"))
					_, _, err := r.FormFile("file")
					Expect(err).NotTo(HaveOccurred())
				},
				ghttp.RespondWith(http.StatusOK, `{"ParsedResults":[{"ParsedText":"MERCADONA\r\n\r\nLECHE 1,10\r\nTOTAL 1,10\r\n"}],"IsErroredOnProcessing":false}`),
			))

			outcome, err := backend.Analyze(ctx, img)
			Expect(err).NotTo(HaveOccurred())
			raw, ok := outcome.(RawText)
			Expect(ok).To(BeTrue())
			Expect(raw.Lines).To(Equal([]Line{
				{Text: "MERCADONA", Confidence: 1.0},
				{Text: "LECHE 1,10", Confidence: 1.0},
				{Text: "TOTAL 1,10", Confidence: 1.0},
			}))
		})

		It("should treat a rejected key as an authentication failure", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK,
				`{"IsErroredOnProcessing":true,"ErrorMessage":["The API key is invalid"]}`))

			_, err := backend.Analyze(ctx, img)
			expectFailure(err, "ocrspace", Authentication)
		})

		It("should accept a plain string error message", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK,
				`{"IsErroredOnProcessing":true,"ErrorMessage":"Unable to recognize the file type"}`))

			_, err := backend.Analyze(ctx, img)
			expectFailure(err, "ocrspace", Permanent)
			Expect(err.Error()).To(ContainSubstring("Unable to recognize"))
		})
	})

	Describe("DocIntel", func() {
		var backend *DocIntel

		BeforeEach(func() {
			var err error
			backend, err = NewDocIntel(DocIntelConfig{
				Endpoint:     server.URL(),
				APIKey:       "azure-key",
				PollInterval: time.Millisecond,
				MaxPolls:     3,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should require an endpoint and key", func() {
			_, err := NewDocIntel(DocIntelConfig{Endpoint: server.URL()})
			Expect(err).To(HaveOccurred())
		})

		When("the analysis succeeds after polling", func() {
			BeforeEach(func() {
				server.AppendHandlers(
					ghttp.CombineHandlers(
						ghttp.VerifyRequest(http.MethodPost, "/documentintelligence/documentModels/prebuilt-receipt:analyze", "api-version=2024-11-30"),
						ghttp.VerifyHeaderKV("Ocp-Apim-Subscription-Key", "azure-key"),
						ghttp.RespondWith(http.StatusAccepted, "", http.Header{"Operation-Location": {server.URL() + "/operations/1"}}),
					),
					ghttp.CombineHandlers(
						ghttp.VerifyRequest(http.MethodGet, "/operations/1"),
						ghttp.RespondWith(http.StatusOK, `{"status":"running"}`),
					),
					ghttp.CombineHandlers(
						ghttp.VerifyRequest(http.MethodGet, "/operations/1"),
						ghttp.RespondWith(http.StatusOK, `{
							"status": "succeeded",
							"analyzeResult": {"documents": [{"confidence": 0.93, "fields": {
								"MerchantName": {"type": "string", "valueString": "Carrefour"},
								"TransactionDate": {"type": "date", "valueDate": "2024-05-02", "content": "02/05/2024"},
								"Total": {"type": "currency", "valueCurrency": {"amount": 4.5}},
								"Items": {"type": "array", "valueArray": [
									{"type": "object", "valueObject": {
										"Description": {"type": "string", "valueString": "Coca Cola"},
										"Quantity": {"type": "number", "valueNumber": 2},
										"Price": {"type": "currency", "valueCurrency": {"amount": 1.25}},
										"TotalPrice": {"type": "currency", "valueCurrency": {"amount": 2.5}}
									}},
									{"type": "object", "valueObject": {
										"Description": {"type": "string", "valueString": "Bolsa"}
									}}
								]}
							}}]}
						}`),
					),
				)
			})

			It("should map the receipt fields onto a draft", func() {
				outcome, err := backend.Analyze(ctx, img)
				Expect(err).NotTo(HaveOccurred())

				draft := outcome.(Structured).Draft
				Expect(draft.StoreName).To(Equal("Carrefour"))
				Expect(draft.PurchaseDate).To(Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)))
				Expect(draft.TotalAmount.Decimal.Equal(dec("4.5"))).To(BeTrue())
				Expect(draft.Items).To(HaveLen(1))
				Expect(draft.Items[0].ProductName).To(Equal("Coca Cola"))
				Expect(draft.Items[0].Category).To(Equal(category.Beverages))
				Expect(draft.Items[0].Quantity.Equal(dec("2"))).To(BeTrue())
				Expect(draft.Items[0].UnitPrice.Decimal.Equal(dec("1.25"))).To(BeTrue())
			})
		})

		When("the analysis never finishes", func() {
			BeforeEach(func() {
				server.AppendHandlers(
					ghttp.RespondWith(http.StatusAccepted, "", http.Header{"Operation-Location": {server.URL() + "/operations/2"}}),
					ghttp.RespondWith(http.StatusOK, `{"status":"running"}`),
					ghttp.RespondWith(http.StatusOK, `{"status":"running"}`),
					ghttp.RespondWith(http.StatusOK, `{"status":"running"}`),
				)
			})

			It("should report a transient failure", func() {
				_, err := backend.Analyze(ctx, img)
				expectFailure(err, "docintel", Transient)
			})
		})

		When("the service rejects the request", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusBadRequest, `{"error":{"code":"InvalidRequest"}}`))
			})

			It("should report a permanent failure", func() {
				_, err := backend.Analyze(ctx, img)
				expectFailure(err, "docintel", Permanent)
			})
		})
	})
})

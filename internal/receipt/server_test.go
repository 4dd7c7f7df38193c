package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/zombor/receipt-intel/internal/pipeline"
	"github.com/zombor/receipt-intel/internal/scanning"
)

func uploadRequest(url, filename string, data []byte) *http.Request {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())

	req, err := http.NewRequest(http.MethodPost, url, body)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		resolver    *mockResolver
		service     *Service
		server      *Server
		auth        BasicAuth
		opts        []ServerOption
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		resolver = newMockResolver()
		auth = BasicAuth{}
		opts = nil
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, resolver, storage, &fixedIDs{}, fixedClock{time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, auth, http.NewServeMux(), opts...)
		ghttpServer = ghttp.NewServer()
		ghttpServer.AllowUnhandledRequests = false
		ghttpServer.RouteToHandler(http.MethodGet, regexp.MustCompile(".*"), server.ServeHTTP)
		for _, method := range []string{http.MethodPost, http.MethodDelete, http.MethodOptions, http.MethodPut} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(".*"), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("health and metrics", func() {
		It("should report ok", func() {
			resp, err := http.Get(ghttpServer.URL() + "/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})

		It("should serve prometheus metrics", func() {
			resp, err := http.Get(ghttpServer.URL() + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("go_goroutines"))
		})

		When("otel instruments are exported to prometheus", func() {
			BeforeEach(func() {
				registry := prometheus.NewRegistry()
				exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
				Expect(err).NotTo(HaveOccurred())
				provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
				opts = []ServerOption{WithServerMeter(provider.Meter("receipt-test")), WithGatherer(registry)}
			})

			It("should expose the request counters", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()

				resp, err = http.Get(ghttpServer.URL() + "/metrics")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				Expect(string(body)).To(ContainSubstring("http_requests_total"))
				Expect(string(body)).To(ContainSubstring(`path="/api/receipts"`))
			})
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			req, _ := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/receipts", nil)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			resp.Body.Close()
		})
	})

	Describe("handleUploadReceipt", func() {
		It("should create a receipt", func() {
			resp, err := http.DefaultClient.Do(uploadRequest(ghttpServer.URL()+"/api/receipts", "ticket.png", []byte("img")))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var r Receipt
			decodeBody(resp, &r)
			Expect(r.ID).To(Equal("id-1"))
			Expect(r.UserID).To(Equal(DefaultUserID))
			Expect(r.StoreName).To(Equal("Lidl"))
			Expect(r.TotalAmount.Equal(dec("2.00"))).To(BeTrue())
			Expect(resolver.last.ContentType).To(Equal("image/png"))
		})

		It("should return 200 for a duplicate upload", func() {
			resp, err := http.DefaultClient.Do(uploadRequest(ghttpServer.URL()+"/api/receipts", "ticket.png", []byte("img")))
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			resp, err = http.DefaultClient.Do(uploadRequest(ghttpServer.URL()+"/api/receipts", "again.png", []byte("img")))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()
		})

		DescribeTable("pipeline failures",
			func(reason pipeline.FailureReason, status int) {
				resolver.err = &pipeline.PipelineFailure{
					Reason: reason,
					Attempts: []pipeline.Attempt{{
						Backend: "claude",
						Err:     &scanning.Failure{Backend: "claude", Kind: scanning.Transient, Err: errors.New("overloaded")},
						Elapsed: 1500 * time.Millisecond,
					}},
				}
				resp, err := http.DefaultClient.Do(uploadRequest(ghttpServer.URL()+"/api/receipts", "ticket.png", []byte("img")))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(status))

				var body failureResponse
				decodeBody(resp, &body)
				Expect(body.Reason).To(Equal(string(reason)))
				Expect(body.Attempts).To(HaveLen(1))
				Expect(body.Attempts[0].Backend).To(Equal("claude"))
				Expect(body.Attempts[0].ElapsedMS).To(Equal(int64(1500)))
			},
			Entry("validation", pipeline.ReasonValidation, http.StatusUnprocessableEntity),
			Entry("chain exhausted", pipeline.ReasonChainExhausted, http.StatusBadGateway),
			Entry("no backends", pipeline.ReasonNoBackends, http.StatusServiceUnavailable),
		)

		It("should reject a request without a file", func() {
			body := &bytes.Buffer{}
			writer := multipart.NewWriter(body)
			Expect(writer.WriteField("note", "x")).To(Succeed())
			Expect(writer.Close()).To(Succeed())
			req, _ := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/receipts", body)
			req.Header.Set("Content-Type", writer.FormDataContentType())

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var msg map[string]string
			decodeBody(resp, &msg)
			Expect(msg["error"]).To(ContainSubstring("No file"))
		})

		It("should reject an empty file", func() {
			resp, err := http.DefaultClient.Do(uploadRequest(ghttpServer.URL()+"/api/receipts", "empty.png", nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			resp.Body.Close()
		})

		When("the upload limit is small", func() {
			BeforeEach(func() {
				opts = []ServerOption{WithMaxUploadBytes(64)}
			})

			It("should reject a large file", func() {
				resp, err := http.DefaultClient.Do(uploadRequest(ghttpServer.URL()+"/api/receipts", "big.png", bytes.Repeat([]byte("x"), 4096)))
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(BeNumerically(">=", 400))
				Expect(resolver.calls).To(BeZero())
				resp.Body.Close()
			})
		})
	})

	Describe("receipt endpoints", func() {
		BeforeEach(func() {
			r := sampleReceipt("r1", DefaultUserID, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
			db.receipts["r1"] = r
			storage.files[r.FilePath] = []byte("jpeg bytes")
		})

		It("should list receipts", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var rs []Receipt
			decodeBody(resp, &rs)
			Expect(rs).To(HaveLen(1))
		})

		It("should return an empty array when the listing is empty", func() {
			delete(db.receipts, "r1")
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("[]\n"))
		})

		It("should return 500 when listing fails", func() {
			db.listErr = errors.New("boom")
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			resp.Body.Close()
		})

		It("should get one receipt", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var r Receipt
			decodeBody(resp, &r)
			Expect(r.Items).To(HaveLen(2))
		})

		It("should return 404 for an unknown receipt", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("should serve the stored file", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/receipts/r1/file")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("jpeg bytes"))
		})

		It("should delete a receipt", func() {
			req, _ := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/receipts/r1", nil)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.receipts).To(BeEmpty())
			resp.Body.Close()
		})

		It("should return 404 when deleting an unknown receipt", func() {
			req, _ := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/receipts/missing", nil)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})
	})

	Describe("analytics endpoints", func() {
		BeforeEach(func() {
			db.receipts["r1"] = sampleReceipt("r1", DefaultUserID, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
		})

		It("should return the monthly summary", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/analytics/monthly?month=5&year=2024")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("receipts_count", BeNumerically("==", 1)))
			Expect(body).To(HaveKeyWithValue("total_spent", "3.2"))
		})

		It("should default to the current month", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/analytics/monthly")
			Expect(err).NotTo(HaveOccurred())
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("month", BeNumerically("==", 6)))
			Expect(body).To(HaveKeyWithValue("receipts_count", BeNumerically("==", 0)))
		})

		It("should return the store comparison", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/analytics/stores?months=3")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("total_stores", BeNumerically("==", 1)))
		})

		It("should return the price evolution", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/analytics/prices?product=leche")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]any
			decodeBody(resp, &body)
			Expect(body).To(HaveKeyWithValue("total_purchases", BeNumerically("==", 1)))
		})

		DescribeTable("bad parameters",
			func(path string) {
				resp, err := http.Get(ghttpServer.URL() + path)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				resp.Body.Close()
			},
			Entry("month out of range", "/api/analytics/monthly?month=13&year=2024"),
			Entry("month not a number", "/api/analytics/monthly?month=may"),
			Entry("window too long", "/api/analytics/stores?months=48"),
			Entry("window zero", "/api/analytics/prices?product=leche&months=0"),
			Entry("missing product", "/api/analytics/prices"),
		)

		It("should download the workbook", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/analytics/export?month=5&year=2024&months=3")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(xlsxContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("receipts-2024-05.xlsx"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Users: map[string]string{"alice": "secret", "bob": "hunter2"}}
			db.receipts["r1"] = sampleReceipt("r1", "alice", time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
		})

		get := func(path, user, pass string) *http.Response {
			req, _ := http.NewRequest(http.MethodGet, ghttpServer.URL()+path, nil)
			if user != "" {
				req.SetBasicAuth(user, pass)
			}
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should reject missing credentials", func() {
			resp := get("/api/receipts", "", "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should reject a wrong password", func() {
			resp := get("/api/receipts", "alice", "nope")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should scope data to the authenticated user", func() {
			resp := get("/api/receipts/r1", "alice", "secret")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			resp.Body.Close()

			resp = get("/api/receipts/r1", "bob", "hunter2")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			resp.Body.Close()
		})

		It("should leave health unauthenticated", func() {
			resp := get("/health", "", "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("detectContentType", func() {
		DescribeTable("fallbacks",
			func(filename, declared, want string) {
				Expect(detectContentType(filename, declared)).To(Equal(want))
			},
			Entry("declared wins", "a.jpg", "Image/PNG", "image/png"),
			Entry("jpeg by extension", "a.JPEG", "", "image/jpeg"),
			Entry("heic by extension", "a.heic", "application/octet-stream", "image/heic"),
			Entry("pdf by extension", "a.pdf", "", "application/pdf"),
			Entry("unknown", "a.bin", "", "application/octet-stream"),
		)
	})
})

package invoice

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("Server", func() {
	var (
		h           *harness
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(h.service, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		everything := regexp.MustCompile(`.*`)
		for _, method := range []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, everything, server.ServeHTTP)
		}
	}

	BeforeEach(func() {
		h = newHarness(Trial{})
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	decode := func(resp *http.Response) map[string]any {
		defer resp.Body.Close()
		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return body
	}

	upload := func(names ...string) *http.Response {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		for _, name := range names {
			part, err := writer.CreateFormFile("files[]", name)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte("content of " + name))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghttpServer.URL()+"/upload", writer.FormDataContentType(), &buf)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	send := func(method, path, body string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	waitForSession := func(id string) {
		Eventually(func() bool {
			resp, err := http.Get(ghttpServer.URL() + "/api/progress/" + id)
			if err != nil || resp.StatusCode != http.StatusOK {
				return false
			}
			return decode(resp)["completed"] == true
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
	}

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := send("OPTIONS", "/upload", "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should set headers on regular responses", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/fields")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("POST /upload", func() {
		When("files are uploaded", func() {
			BeforeEach(func() {
				h.decomposer.pages["a.pdf"] = 2
			})

			It("should accept the job", func() {
				resp := upload("a.pdf", "b.png")
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				body := decode(resp)
				Expect(body["success"]).To(BeTrue())
				Expect(body["session_id"]).To(Equal("session-1"))
				Expect(body["total_invoices"]).To(BeEquivalentTo(3))
				Expect(body["file_results"]).To(HaveKeyWithValue("a.pdf", map[string]any{"success": true, "count": float64(2)}))
			})

			It("should report every file when names repeat", func() {
				resp := upload("a.png", "a.png")
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				body := decode(resp)
				Expect(body["total_invoices"]).To(BeEquivalentTo(2))
				Expect(body["file_results"]).To(HaveLen(2))
				Expect(body["file_results"]).To(HaveKey("a.png"))
				Expect(body["file_results"]).To(HaveKey("a.png (2)"))
			})

			It("should make the results available once done", func() {
				resp := upload("a.pdf", "b.png")
				resp.Body.Close()
				waitForSession("session-1")

				resp, err := http.Get(ghttpServer.URL() + "/get_invoices/session-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				body := decode(resp)

				invoices := body["invoices"].([]any)
				Expect(invoices).To(HaveLen(3))
				first := invoices[0].(map[string]any)
				Expect(first["row_id"]).To(BeEquivalentTo(0))
				Expect(first["Source_File"]).To(Equal("a.pdf"))
				Expect(first["Page_Number"]).To(BeEquivalentTo(1))
				Expect(first["Invoice_No"]).To(Equal("a.pdf/1/Invoice_No"))
				Expect(first).NotTo(HaveKey("confidence"))
				Expect(body["fields"]).To(HaveLen(len(DefaultFields)))
			})
		})

		When("no files are uploaded", func() {
			It("should return status Bad Request", func() {
				resp := upload()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode(resp)["error"]).To(Equal("No files uploaded"))
			})
		})

		When("the body is not multipart", func() {
			It("should return status Bad Request", func() {
				resp := send("POST", "/upload", `{"files":[]}`)
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the submission is over the invoice limit", func() {
			BeforeEach(func() {
				h.decomposer.pages["big.pdf"] = 11
			})

			It("should report the limit", func() {
				resp := upload("big.pdf")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				body := decode(resp)
				Expect(body["limit"]).To(BeEquivalentTo(10))
				Expect(body["attempted"]).To(BeEquivalentTo(11))
				Expect(body["error"]).To(ContainSubstring("Maximum 10 invoices"))
			})
		})

		When("the trial is exhausted", func() {
			BeforeEach(func() {
				h = newHarness(Trial{MaxInvoices: 1})
				_, err := h.db.AddUsage(1, h.clock.now)
				Expect(err).NotTo(HaveOccurred())
				setupServer()
			})

			It("should return status Forbidden", func() {
				resp := upload("a.png")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			})
		})

		When("the method is not POST", func() {
			It("should return status Method Not Allowed", func() {
				resp, err := http.Get(ghttpServer.URL() + "/upload")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			})
		})
	})

	Describe("GET /api/progress/{id}", func() {
		When("the session is unknown", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/api/progress/missing")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		It("should report a finished job", func() {
			upload("b.png").Body.Close()
			waitForSession("session-1")

			resp, err := http.Get(ghttpServer.URL() + "/api/progress/session-1")
			Expect(err).NotTo(HaveOccurred())
			body := decode(resp)
			Expect(body["percentage"]).To(BeEquivalentTo(100))
			Expect(body["processed"]).To(BeEquivalentTo(1))
			Expect(body["total"]).To(BeEquivalentTo(1))
			Expect(body["status"]).To(Equal("completed"))
		})
	})

	Describe("GET /get_invoices/{id}", func() {
		When("the session is unknown", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/get_invoices/missing")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("GET /get_invoice_image/{id}/{row}", func() {
		BeforeEach(func() {
			upload("b.png").Body.Close()
			waitForSession("session-1")
		})

		It("should return the image and extracted data", func() {
			resp, err := http.Get(ghttpServer.URL() + "/get_invoice_image/session-1/0")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)

			image, err := base64.StdEncoding.DecodeString(body["image"].(string))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(image)).To(Equal("b.png-page-1"))

			data := body["data"].(map[string]any)
			Expect(data["Source_File"]).To(Equal("b.png"))
			Expect(data["Location"]).To(Equal("b.png/1/Location"))
			Expect(data).NotTo(HaveKey("row_id"))
			Expect(body["confidence"]).To(HaveKeyWithValue("Location", float64(80)))
			Expect(body["overall_confidence"]).To(BeEquivalentTo(80))
		})

		When("the row is out of range", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/get_invoice_image/session-1/5")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})

		When("the row is not a number", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/get_invoice_image/session-1/first")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("GET /export/{id}", func() {
		When("the session exists", func() {
			BeforeEach(func() {
				h.decomposer.pages["a.pdf"] = 2
				upload("a.pdf", "b.png").Body.Close()
				waitForSession("session-1")
			})

			It("should return a workbook with one row per invoice", func() {
				resp, err := http.Get(ghttpServer.URL() + "/export/session-1")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))
				Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("invoices_"))

				data, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				f, err := excelize.OpenReader(bytes.NewReader(data))
				Expect(err).NotTo(HaveOccurred())
				defer f.Close()

				rows, err := f.GetRows("Invoice Data")
				Expect(err).NotTo(HaveOccurred())
				Expect(rows).To(HaveLen(4))
				Expect(rows[0][:3]).To(Equal([]string{"Source_File", "Page_Number", "Invoice_Date"}))
				Expect(rows[1][:3]).To(Equal([]string{"a.pdf", "1", "a.pdf/1/Invoice_Date"}))
				Expect(rows[3][0]).To(Equal("b.png"))
			})
		})

		When("the session is unknown", func() {
			It("should return status Not Found", func() {
				resp, err := http.Get(ghttpServer.URL() + "/export/missing")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("fields", func() {
		It("should list the schema", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/fields")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var fields []*Field
			Expect(json.NewDecoder(resp.Body).Decode(&fields)).To(Succeed())
			Expect(fields).To(HaveLen(len(DefaultFields)))
		})

		It("should create a field", func() {
			resp := send("POST", "/api/fields", `{"name":"PO_Number","description":"Purchase order"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			body := decode(resp)
			Expect(body["name"]).To(Equal("PO_Number"))
			Expect(body["is_active"]).To(BeTrue())
		})

		It("should reject a duplicate field", func() {
			resp := send("POST", "/api/fields", `{"name":"Invoice_No"}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("should reject an invalid field name", func() {
			resp := send("POST", "/api/fields", `{"name":"row_id"}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a malformed body", func() {
			resp := send("POST", "/api/fields", `{"name":`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should update a field", func() {
			resp := send("PUT", "/api/fields/Discount", `{"is_active":false}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode(resp)["is_active"]).To(BeFalse())

			spec, err := h.service.FieldSpec()
			Expect(err).NotTo(HaveOccurred())
			Expect(spec.Names()).NotTo(ContainElement("Discount"))
		})

		It("should not update an unknown field", func() {
			resp := send("PUT", "/api/fields/Missing", `{"description":"x"}`)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should delete a field", func() {
			resp := send("DELETE", "/api/fields/Location", "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = send("DELETE", "/api/fields/Location", "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/usage", func() {
		BeforeEach(func() {
			h = newHarness(Trial{MaxInvoices: 5, Days: 7})
			setupServer()
		})

		It("should report usage against the trial", func() {
			upload("b.png").Body.Close()
			waitForSession("session-1")

			resp, err := http.Get(ghttpServer.URL() + "/api/usage")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body := decode(resp)
			Expect(body["total_calls"]).To(BeEquivalentTo(1))
			Expect(body["max_trial_invoices"]).To(BeEquivalentTo(5))
			Expect(body["invoices_remaining"]).To(BeEquivalentTo(4))
			Expect(body["trial_expires_at"]).To(Equal("2025-03-08T12:00:00Z"))
			Expect(body["is_limit_reached"]).To(BeFalse())
		})
	})
})

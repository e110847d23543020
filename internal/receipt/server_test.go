package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
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

	"github.com/zombor/paytrack/internal/settings"
)

// mockSettings is a mock implementation of SettingsManager
type mockSettings struct {
	cfg     settings.Config
	saveErr error
	saved   []settings.Config
}

func (m *mockSettings) Current() settings.Config {
	return m.cfg
}

func (m *mockSettings) Save(cfg settings.Config) (settings.Config, error) {
	if m.saveErr != nil {
		return m.cfg, m.saveErr
	}
	cfg = cfg.Normalize()
	m.cfg = cfg
	m.saved = append(m.saved, cfg)
	return cfg, nil
}

type listResponse struct {
	Items   []Item `json:"items"`
	Pending int    `json:"pending"`
}

var _ = Describe("Server", func() {
	var (
		scanner     *mockScanner
		submitter   *mockSubmitter
		manager     *mockSettings
		ledger      *Ledger
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
		cancel      context.CancelFunc
		runDone     chan struct{}
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(ledger, manager, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(".*"), server.ServeHTTP)
		}
	}

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	upload := func(filename, contentType string, data []byte) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
		if contentType != "" {
			header["Content-Type"] = []string{contentType}
		}
		part, err := writer.CreatePart(header)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return do("POST", "/api/items", body, writer.FormDataContentType())
	}

	createReady := func() Item {
		resp := upload("receipt.jpg", "image/jpeg", []byte("fake jpeg"))
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var item Item
		decode(resp, &item)
		ledger.Wait()
		return item
	}

	BeforeEach(func() {
		scanner = newMockScanner()
		submitter = &mockSubmitter{}
		manager = &mockSettings{cfg: settings.Default()}
		auth = BasicAuth{}

		ledger = NewLedgerWithDeps(scanner, submitter, manager, 0,
			&mockIDGenerator{}, &mockTimeSource{now: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)})
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		runDone = make(chan struct{})
		go func() {
			defer close(runDone)
			ledger.Run(ctx)
		}()

		setupServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
		cancel()
		Eventually(runDone).Should(BeClosed())
	})

	Describe("handleIndex", func() {
		When("request method is GET", func() {
			It("should return HTML containing PayTrack", func() {
				resp := do("GET", "/", nil, "")
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("text/html"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("PayTrack"))
			})
		})

		When("request method is not GET", func() {
			It("should return status Method Not Allowed", func() {
				resp := do("POST", "/", nil, "")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			})
		})
	})

	Describe("static assets", func() {
		It("serves the stylesheet", func() {
			resp := do("GET", "/static/app.css", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/css"))
		})

		It("serves the script", func() {
			resp := do("GET", "/static/app.js", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(ContainSubstring("javascript"))
		})
	})

	Describe("handleListItems", func() {
		When("no items exist", func() {
			It("should return an empty list", func() {
				resp := do("GET", "/api/items", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				var list listResponse
				decode(resp, &list)
				Expect(list.Items).To(BeEmpty())
				Expect(list.Pending).To(BeZero())
			})
		})

		When("items exist", func() {
			It("should return them newest first with the pending count", func() {
				first := createReady()
				second := createReady()

				var list listResponse
				decode(do("GET", "/api/items", nil, ""), &list)
				Expect(list.Items).To(HaveLen(2))
				Expect(list.Items[0].ID).To(Equal(second.ID))
				Expect(list.Items[1].ID).To(Equal(first.ID))
				Expect(list.Pending).To(Equal(2))
			})
		})
	})

	Describe("handleCreateItem", func() {
		When("a file is uploaded", func() {
			It("should accept it and start extraction", func() {
				scanner.gate = make(chan struct{})
				defer close(scanner.gate)

				resp := upload("receipt.jpg", "image/jpeg", []byte("fake jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				var item Item
				decode(resp, &item)
				Expect(item.ID).To(Equal("item-1"))
				Expect(item.Status).To(Equal(StatusProcessing))
				Expect(item.Merchant).To(Equal("Identifying..."))
				Expect(item.HasImage).To(BeTrue())
			})

			It("should infer the content type from the extension", func() {
				resp := upload("receipt.PDF", "application/octet-stream", []byte("%PDF-1.4"))
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				_, contentType, err := ledger.Image("item-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(contentType).To(Equal("application/pdf"))
			})
		})

		When("a data URL is posted", func() {
			It("should decode it", func() {
				payload := base64.StdEncoding.EncodeToString([]byte("camera frame"))
				body, _ := json.Marshal(map[string]string{"image": "data:image/jpeg;base64," + payload})

				resp := do("POST", "/api/items", bytes.NewReader(body), "application/json")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

				data, contentType, err := ledger.Image("item-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("camera frame")))
				Expect(contentType).To(Equal("image/jpeg"))
			})
		})

		When("the uploaded file is empty", func() {
			It("should return Bad Request", func() {
				resp := upload("receipt.jpg", "image/jpeg", nil)
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(ledger.List()).To(BeEmpty())
			})
		})

		When("no file is sent", func() {
			It("should return Bad Request", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.Close()).To(Succeed())
				resp := do("POST", "/api/items", body, writer.FormDataContentType())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("handleGetItem", func() {
		It("should return the item", func() {
			item := createReady()
			resp := do("GET", "/api/items/"+item.ID, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var got Item
			decode(resp, &got)
			Expect(got.Status).To(Equal(StatusReady))
			Expect(got.Merchant).To(Equal("Cafe Luna"))
		})

		It("should return Not Found for an unknown id", func() {
			resp := do("GET", "/api/items/nope", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleGetItemImage", func() {
		It("should return the captured bytes", func() {
			item := createReady()
			resp := do("GET", "/api/items/"+item.ID+"/image", nil, "")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("fake jpeg")))
		})
	})

	Describe("handleSyncItem", func() {
		When("no form URL is configured", func() {
			It("should return Precondition Failed with a settings hint", func() {
				item := createReady()
				manager.cfg.FormURL = ""

				resp := do("POST", "/api/items/"+item.ID+"/sync", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusPreconditionFailed))
				var body map[string]string
				decode(resp, &body)
				Expect(body["error"]).To(ContainSubstring("settings"))
				Expect(submitter.Calls()).To(BeZero())
			})
		})

		When("the item is not ready", func() {
			It("should return Conflict", func() {
				scanner.gate = make(chan struct{})
				defer close(scanner.gate)
				resp := upload("receipt.jpg", "image/jpeg", []byte("fake jpeg"))
				resp.Body.Close()

				resp = do("POST", "/api/items/item-1/sync", nil, "")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			})
		})

		When("the item is ready", func() {
			It("should accept the sync and end up submitted", func() {
				item := createReady()

				resp := do("POST", "/api/items/"+item.ID+"/sync", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				var synced Item
				decode(resp, &synced)
				Expect(synced.Status).To(Equal(StatusProcessing))

				ledger.Wait()
				got, err := ledger.Get(item.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(StatusSubmitted))
			})
		})

		When("the item does not exist", func() {
			It("should return Not Found", func() {
				resp := do("POST", "/api/items/nope/sync", nil, "")
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("handleRetryItem", func() {
		It("should re-run extraction for a failed item", func() {
			scanner.setErr(errors.New("model unavailable"))
			item := createReady()
			scanner.setErr(nil)

			resp := do("POST", "/api/items/"+item.ID+"/retry", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			ledger.Wait()
			got, err := ledger.Get(item.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(StatusReady))
		})

		It("should return Conflict for a ready item", func() {
			item := createReady()
			resp := do("POST", "/api/items/"+item.ID+"/retry", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})
	})

	Describe("handleDeleteItem", func() {
		It("should remove the item", func() {
			item := createReady()
			resp := do("DELETE", "/api/items/"+item.ID, nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(ledger.List()).To(BeEmpty())
		})

		It("should return Not Found for an unknown id", func() {
			resp := do("DELETE", "/api/items/nope", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("settings", func() {
		It("should return the current config", func() {
			resp := do("GET", "/api/settings", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var cfg settings.Config
			decode(resp, &cfg)
			Expect(cfg).To(Equal(settings.Default()))
		})

		It("should save a new config", func() {
			body := `{"formUrl":" https://docs.google.com/forms/d/e/abc/viewform ","amountEntryId":"entry.1","typeEntryId":"entry.2","methodEntryId":"entry.3"}`
			resp := do("PUT", "/api/settings", bytes.NewBufferString(body), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var cfg settings.Config
			decode(resp, &cfg)
			Expect(cfg.FormURL).To(Equal("https://docs.google.com/forms/d/e/abc/viewform"))
			Expect(manager.saved).To(HaveLen(1))
			Expect(manager.Current().AmountEntryID).To(Equal("entry.1"))
		})

		It("should reject a malformed body", func() {
			resp := do("PUT", "/api/settings", bytes.NewBufferString("{"), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(manager.saved).To(BeEmpty())
		})

		It("should report a storage failure", func() {
			manager.saveErr = errors.New("disk full")
			resp := do("PUT", "/api/settings", bytes.NewBufferString(`{"formUrl":"x"}`), "application/json")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(manager.Current()).To(Equal(settings.Default()))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp := do("GET", "/api/items", nil, "")
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/items", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should allow valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/items", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "pass")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})

var _ = Describe("decodeDataURL", func() {
	payload := base64.StdEncoding.EncodeToString([]byte("pixels"))

	It("reads the media type from the prefix", func() {
		data, contentType, err := decodeDataURL("data:image/PNG;base64," + payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("pixels")))
		Expect(contentType).To(Equal("image/png"))
	})

	It("assumes JPEG for a bare payload", func() {
		data, contentType, err := decodeDataURL(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("pixels")))
		Expect(contentType).To(Equal("image/jpeg"))
	})

	It("rejects a data URL that is not base64", func() {
		_, _, err := decodeDataURL("data:text/plain,hello")
		Expect(err).To(MatchError(ContainSubstring("base64")))
	})

	It("rejects a data URL without a payload separator", func() {
		_, _, err := decodeDataURL("data:image/png;base64")
		Expect(err).To(HaveOccurred())
	})

	It("rejects invalid base64", func() {
		_, _, err := decodeDataURL("data:image/png;base64,!!!")
		Expect(err).To(HaveOccurred())
	})
})

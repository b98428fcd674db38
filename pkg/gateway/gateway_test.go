package gateway_test

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bmwcd/connecteddrive/pkg/account"
	"github.com/bmwcd/connecteddrive/pkg/cache"
	"github.com/bmwcd/connecteddrive/pkg/gateway"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

const (
	vinA = "WBAJA9C50KB303976"
	vinB = "WBSJF0C59KB284680"

	testGrant = "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#access_token=Xy12AbCd34&token_type=Bearer&expires_in=7200"
)

var (
	// Patterns rather than exact URLs because the telemetry endpoint carries a
	// timezone-dependent offset parameter.
	dynamicA = fmt.Sprintf(`=~^https://%s/api/vehicle/dynamic/v1/%s`, account.DefaultHost, vinA)

	navigationA = fmt.Sprintf("https://%s/api/vehicle/navigation/v1/%s", account.DefaultHost, vinA)
	submitA     = fmt.Sprintf("https://%s/api/vehicle/remoteservices/v1/%s/RDU", account.DefaultHost, vinA)
	stateA      = fmt.Sprintf("https://%s/api/vehicle/remoteservices/v1/%s/state/execution", account.DefaultHost, vinA)
)

func grantResponder() httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		response := httpmock.NewStringResponse(http.StatusFound, "")
		response.Header.Set("Location", testGrant)
		return response, nil
	}
}

func attributesBody(mileage string) string {
	return fmt.Sprintf(`{
		"attributesMap": {
			"mileage": "%s",
			"charging_status": "NOCHARGING",
			"remaining_fuel": "0"
		},
		"vehicleMessages": {"cbsMessages": [{"text": "Brake fluid", "messageType": "CBS"}]}
	}`, mileage)
}

func executionStateBody(state string) string {
	return fmt.Sprintf("<remoteservices><remoteServiceStatus>%s</remoteServiceStatus></remoteservices>", state)
}

var _ = Describe("Gateway", func() {
	var g *gateway.Gateway

	sendRequest := func(method, path string, token string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		g.ServeHTTP(rr, req)
		return rr
	}

	BeforeEach(func() {
		httpmock.Activate()
		DeferCleanup(httpmock.DeactivateAndReset)
		httpmock.RegisterResponder("POST", account.DefaultAuthURL, grantResponder())

		acct, err := account.New(account.Config{Username: "user@example.org", Password: "hunter2"})
		Expect(err).NotTo(HaveOccurred())

		carA := vehicle.New(acct, vinA)
		carA.Brand = "BMW"
		carA.ModelName = "i3"
		carA.PollInterval = time.Millisecond
		carB := vehicle.New(acct, vinB)

		g = gateway.New([]*vehicle.Vehicle{carA, carB}, cache.New(0, time.Minute))
	})

	It("serves the fleet listing", func() {
		rr := sendRequest(http.MethodGet, "/api/vehicles", "", nil)
		Expect(rr.Code).To(Equal(http.StatusOK))
		Expect(rr.Body.String()).To(MatchJSON(fmt.Sprintf(`{
			"response": [
				{"vin": "%s", "display_name": "BMW i3", "brand": "BMW", "model_name": "i3"},
				{"vin": "%s", "display_name": "%s"}
			]
		}`, vinA, vinB, vinB)))
	})

	Context("telemetry", func() {
		It("serves repeated reads from the cache", func() {
			httpmock.RegisterResponder("GET", dynamicA,
				httpmock.NewStringResponder(http.StatusOK, attributesBody("17000")))

			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/status", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring(`"mileage":"17000"`))
			Expect(rr.Body.String()).To(ContainSubstring(`"powertrain":"electric"`))

			rr = sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/status", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(httpmock.GetCallCountInfo()["GET "+dynamicA]).To(Equal(1))
		})

		It("serves service messages from the snapshot", func() {
			httpmock.RegisterResponder("GET", dynamicA,
				httpmock.NewStringResponder(http.StatusOK, attributesBody("17000")))

			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/messages", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring("Brake fluid"))
		})

		It("fetches navigation live", func() {
			httpmock.RegisterResponder("GET", navigationA,
				httpmock.NewStringResponder(http.StatusOK, `{"latitude": 52.372, "longitude": 4.899}`))

			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/navigation", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring("52.372"))

			rr = sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/navigation", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(httpmock.GetCallCountInfo()["GET "+navigationA]).To(Equal(2))
		})

		It("passes the portal's status through on telemetry errors", func() {
			httpmock.RegisterResponder("GET", dynamicA,
				httpmock.NewStringResponder(http.StatusUnauthorized, "token expired"))

			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/status", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			Expect(rr.Body.String()).To(ContainSubstring("token expired"))
		})

		It("returns bad gateway on transport failures", func() {
			httpmock.RegisterResponder("GET", dynamicA,
				httpmock.NewErrorResponder(fmt.Errorf("connection reset")))

			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/status", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusBadGateway))
		})
	})

	Context("remote services", func() {
		It("reports confirmed execution", func() {
			httpmock.RegisterResponder("POST", submitA, httpmock.NewStringResponder(http.StatusOK, ""))
			httpmock.RegisterResponder("GET", stateA,
				httpmock.NewStringResponder(http.StatusOK, executionStateBody("EXECUTED")))

			rr := sendRequest(http.MethodPost, fmt.Sprintf("/api/vehicles/%s/command/unlock", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"response":{"result":true}}`))
		})

		It("reports possible success when confirmation never arrives", func() {
			httpmock.RegisterResponder("POST", submitA, httpmock.NewStringResponder(http.StatusOK, ""))
			httpmock.RegisterResponder("GET", stateA,
				httpmock.NewStringResponder(http.StatusOK, executionStateBody("PENDING")))

			rr := sendRequest(http.MethodPost, fmt.Sprintf("/api/vehicles/%s/command/unlock", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusGatewayTimeout))
			Expect(rr.Body.String()).To(ContainSubstring(`"may_have_succeeded":true`))
		})

		It("passes the portal's status through on rejected submissions", func() {
			httpmock.RegisterResponder("POST", submitA,
				httpmock.NewStringResponder(http.StatusForbidden, "not allowed"))

			rr := sendRequest(http.MethodPost, fmt.Sprintf("/api/vehicles/%s/command/unlock", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusForbidden))
			Expect(rr.Body.String()).NotTo(ContainSubstring(`"may_have_succeeded":true`))
			Expect(httpmock.GetCallCountInfo()["GET "+stateA]).To(Equal(0))
		})

		It("rejects unknown commands", func() {
			rr := sendRequest(http.MethodPost, fmt.Sprintf("/api/vehicles/%s/command/warp", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects non-POST requests", func() {
			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/command/unlock", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Context("routing", func() {
		It("rejects malformed VINs", func() {
			rr := sendRequest(http.MethodGet, "/api/vehicles/ABC/status", "", nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects VINs outside the fleet", func() {
			rr := sendRequest(http.MethodGet, "/api/vehicles/WBY1Z21070V308123/status", "", nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects unknown resources", func() {
			rr := sendRequest(http.MethodGet, fmt.Sprintf("/api/vehicles/%s/firmware", vinA), "", nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for paths outside the API", func() {
			rr := sendRequest(http.MethodGet, "/unknown", "", nil)
			Expect(rr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("authorization", func() {
		BeforeEach(func() {
			g.APIToken = "sesame"
		})

		It("rejects requests without a token", func() {
			rr := sendRequest(http.MethodGet, "/api/vehicles", "", nil)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects requests with the wrong token", func() {
			rr := sendRequest(http.MethodGet, "/api/vehicles", "guess", nil)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts requests with the right token", func() {
			rr := sendRequest(http.MethodGet, "/api/vehicles", "sesame", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
		})
	})
})

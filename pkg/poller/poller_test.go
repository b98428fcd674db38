package poller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bmwcd/connecteddrive/pkg/account"
	"github.com/bmwcd/connecteddrive/pkg/protocol"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"
)

const (
	vinA = "WBAJA9C50KB303976"
	vinB = "WBY1Z21060V307126"

	// Patterns rather than exact URLs because the telemetry endpoint carries
	// a timezone-dependent offset parameter.
	dynamicA = `=~^https://www\.bmw-connecteddrive\.nl/api/vehicle/dynamic/v1/WBAJA9C50KB303976`
	dynamicB = `=~^https://www\.bmw-connecteddrive\.nl/api/vehicle/dynamic/v1/WBY1Z21060V307126`
)

func attributesBody(mileage string) string {
	return `{"attributesMap": {"mileage": "` + mileage + `", "remaining_fuel": "41"}}`
}

var _ = Describe("Controller", func() {
	var (
		ctrl  *Controller
		clock time.Time
	)

	stateCalls := func(pattern string) int {
		return httpmock.GetCallCountInfo()["GET "+pattern]
	}

	BeforeEach(func() {
		httpmock.Activate()
		DeferCleanup(httpmock.DeactivateAndReset)

		location := "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#access_token=Xy12AbCd34&token_type=Bearer&expires_in=7200"
		httpmock.RegisterResponder("POST", account.DefaultAuthURL, func(*http.Request) (*http.Response, error) {
			response := httpmock.NewStringResponse(http.StatusFound, "")
			response.Header.Set("Location", location)
			return response, nil
		})
		httpmock.RegisterResponder("GET", dynamicA, httpmock.NewStringResponder(200, attributesBody("10250")))
		httpmock.RegisterResponder("GET", dynamicB, httpmock.NewStringResponder(200, attributesBody("48712")))

		acct, err := account.New(account.Config{Username: "user@example.org", Password: "hunter2"})
		Expect(err).NotTo(HaveOccurred())

		carA := vehicle.New(acct, vinA)
		carA.Brand, carA.ModelName = "BMW", "i3"
		carB := vehicle.New(acct, vinB)
		carB.Brand, carB.ModelName = "BMW", "225xe"

		clock = time.Date(2019, time.March, 4, 12, 0, 0, 0, time.UTC)
		ctrl = New([]*vehicle.Vehicle{carA, carB}, 2*time.Minute)
		ctrl.now = func() time.Time { return clock }
	})

	Describe("Update", func() {
		It("fetches every vehicle in order", func() {
			snapshots, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshots).To(HaveLen(2))
			Expect(snapshots[0].VIN).To(Equal(vinA))
			Expect(snapshots[0].CarName).To(Equal("BMW i3"))
			Expect(snapshots[0].Attributes).To(HaveKeyWithValue("mileage", "10250"))
			Expect(snapshots[1].VIN).To(Equal(vinB))
			Expect(ctrl.LastUpdate()).To(Equal(clock))
		})

		It("skips the cycle while the interval has not elapsed", func() {
			_, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())

			clock = clock.Add(time.Minute)
			_, err = ctrl.Update(context.Background())
			Expect(err).To(MatchError(ErrNotDue))

			// The skip must not touch the network.
			Expect(stateCalls(dynamicA)).To(Equal(1))
			Expect(stateCalls(dynamicB)).To(Equal(1))
		})

		It("treats an exactly elapsed interval as not due", func() {
			_, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())

			clock = clock.Add(2 * time.Minute)
			_, err = ctrl.Update(context.Background())
			Expect(err).To(MatchError(ErrNotDue))

			clock = clock.Add(time.Nanosecond)
			snapshots, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshots).To(HaveLen(2))
		})

		It("aborts the cycle on the first failure without a partial result", func() {
			httpmock.RegisterResponder("GET", dynamicB,
				httpmock.NewStringResponder(http.StatusBadGateway, "upstream unreachable"))

			snapshots, err := ctrl.Update(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(vinB))
			Expect(snapshots).To(BeNil())

			var httpErr *protocol.HttpError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Expect(httpErr.Code).To(Equal(http.StatusBadGateway))

			// The first vehicle was fetched before the failure, in order.
			Expect(stateCalls(dynamicA)).To(Equal(1))
			Expect(stateCalls(dynamicB)).To(Equal(1))
			Expect(ctrl.Snapshots()).To(BeEmpty())
		})

		It("does not advance the gate on a failed cycle", func() {
			httpmock.RegisterResponder("GET", dynamicB,
				httpmock.NewStringResponder(http.StatusBadGateway, "upstream unreachable"))
			_, err := ctrl.Update(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(ctrl.LastUpdate()).To(BeZero())

			// An immediate retry runs without waiting for the interval.
			httpmock.RegisterResponder("GET", dynamicB, httpmock.NewStringResponder(200, attributesBody("48712")))
			snapshots, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshots).To(HaveLen(2))
		})

		It("replaces the stored snapshots on each successful cycle", func() {
			_, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(ctrl.Snapshots()[0].Attributes).To(HaveKeyWithValue("mileage", "10250"))

			httpmock.RegisterResponder("GET", dynamicA, httpmock.NewStringResponder(200, attributesBody("10391")))
			clock = clock.Add(2*time.Minute + time.Second)
			_, err = ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(ctrl.Snapshots()[0].Attributes).To(HaveKeyWithValue("mileage", "10391"))
		})
	})

	Describe("Snapshots", func() {
		It("is empty before the first successful cycle", func() {
			Expect(ctrl.Snapshots()).To(BeEmpty())
		})

		It("returns a copy that callers cannot mutate", func() {
			_, err := ctrl.Update(context.Background())
			Expect(err).NotTo(HaveOccurred())
			ctrl.Snapshots()[0].VIN = "clobbered"
			Expect(ctrl.Snapshots()[0].VIN).To(Equal(vinA))
		})
	})

	Describe("New", func() {
		It("falls back to the default interval", func() {
			Expect(New(nil, 0).Interval()).To(Equal(DefaultInterval))
			Expect(New(nil, -time.Second).Interval()).To(Equal(DefaultInterval))
			Expect(New(nil, time.Minute).Interval()).To(Equal(time.Minute))
		})
	})
})

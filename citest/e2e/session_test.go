package e2e_test

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/terrachat/terrachat/citest/testutil"
	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/pkg/types"
)

var _ = Describe("Session Workflows", func() {
	var (
		user     string
		api      *client.Client
		sessions *testutil.SessionManager
	)

	BeforeEach(func() {
		user = testutil.RandomUser()
		api = testServer.Client(user)
		sessions = testutil.NewSessionManager(api)
	})

	AfterEach(func() {
		sessions.Cleanup()
	})

	Describe("Basic Session Lifecycle", func() {
		It("should create a pending session", func() {
			session, err := sessions.Create(ctx, types.AnalysisLandCover, types.ProviderOpenAI, testutil.ParisBlock)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.ID).NotTo(BeEmpty())
			Expect(session.UserID).To(Equal(user))
			Expect(session.Status).To(Equal(types.StatusPending))
			Expect(session.AnalysisType).To(Equal(types.AnalysisLandCover))
		})

		It("should accept a point as the area of interest", func() {
			session, err := sessions.Create(ctx, types.AnalysisAirPollution, "", testutil.TimesSquare)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(session.AreaOfInterest)).To(MatchJSON(string(testutil.TimesSquare)))
		})

		It("should return the full state of a new session", func() {
			session, err := sessions.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.ParisBlock)
			Expect(err).NotTo(HaveOccurred())

			state, err := api.FetchSession(ctx, session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Session.ID).To(Equal(session.ID))
			Expect(state.Messages).To(BeEmpty())
		})

		It("should list only the caller's sessions", func() {
			mine, err := sessions.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.ParisBlock)
			Expect(err).NotTo(HaveOccurred())

			other := testutil.NewSessionManager(testServer.Client(testutil.RandomUser()))
			defer other.Cleanup()
			theirs, err := other.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.ParisBlock)
			Expect(err).NotTo(HaveOccurred())

			list, err := api.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			ids := make([]string, 0, len(list))
			for _, s := range list {
				ids = append(ids, s.ID)
			}
			Expect(ids).To(ContainElement(mine.ID))
			Expect(ids).NotTo(ContainElement(theirs.ID))
		})

		It("should delete a session", func() {
			session, err := api.CreateSession(ctx, types.SessionCreate{
				AnalysisType:   types.AnalysisHeatIsland,
				AreaOfInterest: testutil.ParisBlock,
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := testServer.RawClient(user).Delete(ctx, "/sessions/"+session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue(), resp.String())

			_, err = api.FetchSession(ctx, session.ID)
			Expect(statusOf(err)).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Updates", func() {
		It("should rename a session without touching its status", func() {
			session, err := sessions.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.ParisBlock)
			Expect(err).NotTo(HaveOccurred())

			resp, err := testServer.RawClient(user).Patch(ctx, "/sessions/"+session.ID, map[string]any{
				"title":  "Renamed",
				"status": "completed",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue(), resp.String())

			var updated types.Session
			Expect(resp.JSON(&updated)).To(Succeed())
			Expect(updated.Title).To(Equal("Renamed"))
			Expect(updated.Status).To(Equal(types.StatusPending))
		})

		It("should store provider settings without echoing the key", func() {
			resp, err := testServer.RawClient(user).Put(ctx, "/users/me/settings", map[string]any{
				"ai_provider": "custom",
				"api_key":     "sk-user",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue(), resp.String())
			Expect(resp.String()).NotTo(ContainSubstring("sk-user"))

			view, err := api.GetSettings(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.AIProvider).To(Equal(types.ProviderCustom))
			Expect(view.HasAPIKey).To(BeTrue())
		})

		It("should reject the custom provider without a key", func() {
			_, err := api.PutSettings(ctx, types.SettingsUpdate{AIProvider: types.ProviderCustom})
			Expect(statusOf(err)).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("Validation", func() {
		It("should reject an impossible latitude", func() {
			_, err := sessions.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.OutOfRange)
			Expect(statusOf(err)).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should reject an unknown analysis type", func() {
			_, err := sessions.Create(ctx, types.AnalysisType("volcanoes"), types.ProviderOpenAI, testutil.ParisBlock)
			Expect(statusOf(err)).To(Equal(http.StatusUnprocessableEntity))
		})

		It("should reject a missing area", func() {
			resp, err := testServer.RawClient(user).Post(ctx, "/sessions", map[string]any{
				"analysis_type": "heat_island",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(resp.ErrorCode()).To(Equal("VALIDATION_FAILED"))
		})
	})

	Describe("Access", func() {
		It("should hide another user's session", func() {
			session, err := sessions.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.ParisBlock)
			Expect(err).NotTo(HaveOccurred())

			_, err = testServer.Client(testutil.RandomUser()).FetchSession(ctx, session.ID)
			Expect(statusOf(err)).To(Equal(http.StatusNotFound))
		})

		It("should require a user", func() {
			resp, err := testServer.RawClient("").Get(ctx, "/sessions")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.ErrorCode()).To(Equal("UNAUTHORIZED"))
		})

		It("should serve health without a user", func() {
			resp, err := testServer.RawClient("").Get(ctx, "/health")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.IsSuccess()).To(BeTrue())
		})
	})
})

// statusOf returns the HTTP status carried by an API error, or 0.
func statusOf(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

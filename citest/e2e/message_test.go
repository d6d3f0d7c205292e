package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/terrachat/terrachat/citest/testutil"
	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/internal/clientsync"
	"github.com/terrachat/terrachat/internal/event"
	"github.com/terrachat/terrachat/pkg/types"
)

var _ = Describe("Message Workflows", func() {
	var (
		user     string
		api      *client.Client
		sessions *testutil.SessionManager
		session  *types.Session
	)

	// stateOf polls the server-side transcript of the current session.
	stateOf := func() *types.SessionState {
		state, err := api.FetchSession(ctx, session.ID)
		Expect(err).NotTo(HaveOccurred())
		return state
	}
	currentStatus := func() types.Status {
		return stateOf().Session.Status
	}
	rolesOf := func(messages []*types.Message) []types.Role {
		roles := make([]types.Role, 0, len(messages))
		for _, m := range messages {
			roles = append(roles, m.Role)
		}
		return roles
	}

	BeforeEach(func() {
		user = testutil.RandomUser()
		api = testServer.Client(user)
		sessions = testutil.NewSessionManager(api)

		var err error
		session, err = sessions.Create(ctx, types.AnalysisHeatIsland, types.ProviderOpenAI, testutil.ParisBlock)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		sessions.Cleanup()
	})

	Describe("Simple Message Exchange", func() {
		It("should answer a turn and complete the session", func() {
			msg, err := api.SubmitTurn(ctx, session.ID, "Where are the hottest blocks?", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Role).To(Equal(types.RoleUser))

			Eventually(currentStatus).Should(Equal(types.StatusCompleted))

			state := stateOf()
			Expect(rolesOf(state.Messages)).To(Equal([]types.Role{types.RoleUser, types.RoleAssistant}))
			reply := state.Messages[1]
			Expect(reply.Content).To(Equal("The hottest blocks are the paved industrial zone in the south-east."))
			Expect(reply.Payload).To(HaveKeyWithValue(types.PayloadReplyTo, msg.ID))
			Expect(reply.Payload).To(HaveKeyWithValue(types.PayloadProvider, string(types.ProviderOpenAI)))
		})

		It("should send the area and analysis type to the provider", func() {
			before := testServer.MockLLM.RequestCount()
			_, err := api.SubmitTurn(ctx, session.ID, "How much tree cover is there?", nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(currentStatus).Should(Equal(types.StatusCompleted))

			requests := testServer.MockLLM.GetRequests()
			Expect(len(requests)).To(BeNumerically(">", before))
			last := requests[len(requests)-1]
			Expect(last.Authorization).To(Equal("Bearer sk-e2e"))
			Expect(last.Body).To(HaveKeyWithValue("model", "mock-gpt-4"))
		})

		It("should include earlier turns as history", func() {
			_, err := api.SubmitTurn(ctx, session.ID, "Where are the hottest blocks?", nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(currentStatus).Should(Equal(types.StatusCompleted))

			_, err = api.SubmitTurn(ctx, session.ID, "How has it changed since 2010?", nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return len(stateOf().Messages) }).Should(Equal(4))
			Eventually(currentStatus).Should(Equal(types.StatusCompleted))

			state := stateOf()
			Expect(state.Messages[3].Content).To(Equal("Built-up area grew by about 12% over the period."))

			requests := testServer.MockLLM.GetRequests()
			messages, ok := requests[len(requests)-1].Body["messages"].([]interface{})
			Expect(ok).To(BeTrue())
			// system, first question, first answer, second question
			Expect(messages).To(HaveLen(4))
		})

		It("should reject an empty turn", func() {
			resp, err := testServer.RawClient(user).Post(ctx, "/sessions/"+session.ID+"/messages", map[string]any{
				"content": "   ",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			Expect(currentStatus()).To(Equal(types.StatusPending))
		})
	})

	Describe("Provider Selection", func() {
		It("should answer through the user's custom endpoint and key", func() {
			key := "sk-user-" + testutil.RandomString(6)
			_, err := api.PutSettings(ctx, types.SettingsUpdate{
				AIProvider: types.ProviderCustom,
				APIKey:     &key,
			})
			Expect(err).NotTo(HaveOccurred())

			custom, err := sessions.Create(ctx, types.AnalysisLandCover, "", testutil.TimesSquare)
			Expect(err).NotTo(HaveOccurred())
			Expect(custom.AIProvider).To(Equal(types.ProviderCustom))

			_, err = api.SubmitTurn(ctx, custom.ID, "How much tree cover is there?", nil)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() types.Status {
				state, err := api.FetchSession(ctx, custom.ID)
				Expect(err).NotTo(HaveOccurred())
				return state.Session.Status
			}).Should(Equal(types.StatusCompleted))

			state, err := api.FetchSession(ctx, custom.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Messages).To(HaveLen(2))
			Expect(state.Messages[1].Content).To(Equal("Tree cover is roughly 35%, concentrated along the river."))
			Expect(state.Messages[1].Payload).To(HaveKeyWithValue(types.PayloadProvider, string(types.ProviderCustom)))

			requests := testServer.MockLLM.GetRequests()
			Expect(requests[len(requests)-1].Authorization).To(Equal("Bearer " + key))
		})
	})

	Describe("Live Events", func() {
		It("should stream the turn over SSE in order", func() {
			sse := testServer.SSEClient(user)
			Expect(sse.Connect(ctx, "/sessions/"+session.ID+"/events")).To(Succeed())
			defer sse.Close()

			_, err := api.SubmitTurn(ctx, session.ID, "Where are the hottest blocks?", nil)
			Expect(err).NotTo(HaveOccurred())

			first, err := sse.WaitForEvent(string(event.MessageCreated), 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			parsed, err := first.Parse()
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed.SessionID).To(Equal(session.ID))
			Expect(parsed.Message.Content).To(Equal("Where are the hottest blocks?"))

			Eventually(func() int {
				return sse.CountEventType(string(event.SessionUpdated))
			}).Should(Equal(2))

			matcher := testutil.NewEventMatcher(sse.GetAllEvents())
			Expect(matcher.Values(string(event.SessionUpdated), "session.status")).
				To(Equal([]string{string(types.StatusProcessing), string(types.StatusCompleted)}))
			Expect(matcher.Values(string(event.MessageCreated), "message.role")).
				To(Equal([]string{string(types.RoleUser), string(types.RoleAssistant)}))
			Expect(matcher.CountType(string(event.MessageCreated))).To(Equal(2))
			Expect(matcher.HasType(string(event.SessionUpdated))).To(BeTrue())
		})

		It("should not deliver another user's session events", func() {
			sse := testServer.SSEClient(testutil.RandomUser())
			err := sse.Connect(ctx, "/sessions/"+session.ID+"/events")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Provider Failures", func() {
		It("should recover from a transient upstream error", func() {
			_, err := api.SubmitTurn(ctx, session.ID, "This one is flaky", nil)
			Expect(err).NotTo(HaveOccurred())

			Eventually(currentStatus).Should(Equal(types.StatusCompleted))
			state := stateOf()
			Expect(rolesOf(state.Messages)).To(Equal([]types.Role{types.RoleUser, types.RoleAssistant}))
			Expect(state.Messages[1].Content).To(Equal("Recovered after one upstream error."))
		})

		It("should record a failure and let the client retry it", func() {
			DeferCleanup(func() {
				testServer.MockLLM.SetConfig(scenarios)
			})

			cable, err := api.DialCable(ctx, client.CableOptions{})
			Expect(err).NotTo(HaveOccurred())
			defer cable.Close()

			s, err := clientsync.Open(ctx, api, cable, session.ID, clientsync.Options{
				PollInterval: 200 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			defer s.Close()

			Expect(s.Submit(ctx, "Please always fail")).To(Succeed())
			Eventually(currentStatus).Should(Equal(types.StatusFailed))

			var failed clientsync.Entry
			Eventually(func() bool {
				entries := s.Snapshot()
				if len(entries) == 0 {
					return false
				}
				failed = entries[len(entries)-1]
				return failed.Failed && !failed.Local
			}).Should(BeTrue())
			Expect(failed.Role).To(Equal(types.RoleSystem))
			Expect(failed.Payload).To(HaveKeyWithValue(types.PayloadError, "provider_error"))

			// Upstream is healthy again.
			testServer.MockLLM.SetConfig(testutil.DefaultMockLLMConfig().WithoutRule("upstream-down"))
			Expect(s.Retry(ctx, failed.ID)).To(Succeed())

			Eventually(func() []types.Role {
				entries := s.Snapshot()
				roles := make([]types.Role, 0, len(entries))
				for _, e := range entries {
					if e.Loading {
						return nil
					}
					roles = append(roles, e.Role)
				}
				return roles
			}).Should(Equal([]types.Role{types.RoleUser, types.RoleAssistant}))
			Expect(s.Status()).To(Equal(types.StatusCompleted))

			state := stateOf()
			Expect(rolesOf(state.Messages)).To(Equal([]types.Role{
				types.RoleUser, types.RoleSystem, types.RoleUser, types.RoleAssistant,
			}))
			Expect(state.Messages[2].Content).To(Equal(state.Messages[0].Content))
		})
	})
})

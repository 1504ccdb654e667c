package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Routes groups the handlers mounted by NewRouter.
type Routes struct {
	WebhookPath   string
	Webhook       *EvolutionWebhookHandler
	Conversations *ConversationHandler
	Connections   *ConnectionHandler
	Delivery      *DeliveryHandler
	Health        *HealthHandler
}

// NewRouter builds the HTTP router with the middleware chain applied.
func NewRouter(rt Routes) http.Handler {
	r := mux.NewRouter()
	c := Chain()

	path := "/" + strings.Trim(rt.WebhookPath, "/")
	if path == "/" {
		path = "/webhook/whatsapp"
	}
	r.Handle(path, c.ThenFunc(rt.Webhook.Handle)).Methods(http.MethodPost)
	r.Handle(path+"/{event}", c.ThenFunc(rt.Webhook.Handle)).Methods(http.MethodPost)

	r.Handle("/health", c.ThenFunc(rt.Health.Health)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.Handle("/conversations", c.ThenFunc(rt.Conversations.List)).Methods(http.MethodGet)
	api.Handle("/conversations/{id:[0-9]+}", c.ThenFunc(rt.Conversations.Get)).Methods(http.MethodGet)
	api.Handle("/conversations/{id:[0-9]+}/status", c.ThenFunc(rt.Conversations.UpdateStatus)).Methods(http.MethodPatch)
	api.Handle("/conversations/{id:[0-9]+}/messages", c.ThenFunc(rt.Conversations.PostMessage)).Methods(http.MethodPost)
	api.Handle("/conversations/{id:[0-9]+}/read", c.ThenFunc(rt.Conversations.MarkRead)).Methods(http.MethodPost)

	api.Handle("/whatsapp-connections", c.ThenFunc(rt.Connections.List)).Methods(http.MethodGet)
	api.Handle("/whatsapp-connections", c.ThenFunc(rt.Connections.Create)).Methods(http.MethodPost)
	api.Handle("/whatsapp-connections/{id:[0-9]+}/ai-config", c.ThenFunc(rt.Connections.GetAIConfig)).Methods(http.MethodGet)
	api.Handle("/whatsapp-connections/{id:[0-9]+}/ai-config", c.ThenFunc(rt.Connections.UpdateAIConfig)).Methods(http.MethodPatch, http.MethodPut)
	api.Handle("/whatsapp-connections/{id:[0-9]+}/test-ai", c.ThenFunc(rt.Connections.TestAI)).Methods(http.MethodPost)

	api.Handle("/delivery/status", c.ThenFunc(rt.Delivery.Status)).Methods(http.MethodGet)
	api.Handle("/delivery/metrics", c.ThenFunc(rt.Delivery.Metrics)).Methods(http.MethodGet)
	api.Handle("/delivery/events/{eventId}", c.ThenFunc(rt.Delivery.EventStatus)).Methods(http.MethodGet)
	api.Handle("/delivery/retry", c.ThenFunc(rt.Delivery.Retry)).Methods(http.MethodPost)
	api.Handle("/delivery/retry/{eventId}", c.ThenFunc(rt.Delivery.Retry)).Methods(http.MethodPost)

	return r
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
)

func init() {
	if err := validate.RegisterValidation("temperature", validTemperature); err != nil {
		panic(err)
	}
}

// validTemperature accepts "" or a decimal (dot or comma) within [0,2].
func validTemperature(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	if s == "" {
		return true
	}
	t, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	return err == nil && t >= 0 && t <= 2
}

// ConnectionRegistry stores WhatsApp connections and their AI settings.
type ConnectionRegistry interface {
	List(ctx context.Context) ([]models.WhatsAppConnection, error)
	Get(ctx context.Context, id int64) (*models.WhatsAppConnection, error)
	Create(ctx context.Context, conn *models.WhatsAppConnection) error
	UpdateAIConfig(ctx context.Context, id int64, cfg models.AIConfig) (*models.WhatsAppConnection, error)
}

// AITester runs a one-off generation.
type AITester interface {
	TestAI(ctx context.Context, message string, cfg models.AIConfig) (string, error)
}

type ConnectionHandler struct {
	connections ConnectionRegistry
	tester      AITester
}

func NewConnectionHandler(connections ConnectionRegistry, tester AITester) *ConnectionHandler {
	if connections == nil {
		log.Fatal().Msg("ConnectionRegistry cannot be nil for ConnectionHandler")
	}
	if tester == nil {
		log.Fatal().Msg("AITester cannot be nil for ConnectionHandler")
	}
	return &ConnectionHandler{connections: connections, tester: tester}
}

// temperatureValue accepts the temperature as a JSON string or number.
type temperatureValue string

func (t *temperatureValue) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = temperatureValue(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = temperatureValue(s)
	return nil
}

type createConnectionRequest struct {
	Name         string `json:"name" validate:"required,max=255"`
	PhoneNumber  string `json:"phoneNumber" validate:"omitempty,max=32"`
	InstanceName string `json:"instanceName" validate:"required,max=191"`
	IsActive     *bool  `json:"isActive"`
}

type aiConfigRequest struct {
	AIEnabled     *bool            `json:"aiEnabled" validate:"required"`
	AIModel       string           `json:"aiModel" validate:"max=100"`
	AITemperature temperatureValue `json:"aiTemperature" validate:"temperature"`
	AIMaxTokens   int              `json:"aiMaxTokens" validate:"omitempty,min=1,max=16000"`
	AIPrompt      string           `json:"aiPrompt"`
}

type testAIConfig struct {
	AIModel       string           `json:"aiModel" validate:"max=100"`
	AITemperature temperatureValue `json:"aiTemperature" validate:"temperature"`
	AIMaxTokens   int              `json:"aiMaxTokens" validate:"omitempty,min=1,max=16000"`
	AIPrompt      string           `json:"aiPrompt"`
}

type testAIRequest struct {
	Message string        `json:"message" validate:"required"`
	Config  *testAIConfig `json:"config"`
}

func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	conns, err := h.connections.List(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"connections": conns,
	})
}

// Create registers an instance that already exists on the gateway.
func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn := &models.WhatsAppConnection{
		Name:         req.Name,
		PhoneNumber:  req.PhoneNumber,
		InstanceName: strings.TrimSpace(req.InstanceName),
		IsActive:     req.IsActive == nil || *req.IsActive,
	}
	if err := h.connections.Create(r.Context(), conn); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"connection": conn,
	})
}

func (h *ConnectionHandler) GetAIConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	conn, err := h.connections.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"config":  conn.AIConfig(),
	})
}

func (h *ConnectionHandler) UpdateAIConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	var req aiConfigRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := h.connections.UpdateAIConfig(r.Context(), id, models.AIConfig{
		Enabled:     *req.AIEnabled,
		Model:       strings.TrimSpace(req.AIModel),
		Temperature: strings.TrimSpace(string(req.AITemperature)),
		MaxTokens:   req.AIMaxTokens,
		Prompt:      req.AIPrompt,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"config":  conn.AIConfig(),
	})
}

// TestAI answers a message with the connection's stored AI settings, with
// any non-empty field of the optional config taking precedence.
func (h *ConnectionHandler) TestAI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	var req testAIRequest
	if err := decodeAndValidate(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := h.connections.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	cfg := conn.AIConfig()
	if c := req.Config; c != nil {
		if c.AIModel != "" {
			cfg.Model = c.AIModel
		}
		if c.AITemperature != "" {
			cfg.Temperature = string(c.AITemperature)
		}
		if c.AIMaxTokens > 0 {
			cfg.MaxTokens = c.AIMaxTokens
		}
		if c.AIPrompt != "" {
			cfg.Prompt = c.AIPrompt
		}
	}

	reply, err := h.tester.TestAI(r.Context(), req.Message, cfg)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"response": reply,
	})
}

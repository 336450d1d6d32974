package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/tradeguard-api/internal/auth"
	"github.com/ksred/tradeguard-api/internal/killswitch"
)

const (
	numWorkers     = 5
	ordersPerPhase = 40
	serverAddress  = "http://localhost:8080"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// stats tracks submission outcomes across workers
type stats struct {
	mu         sync.Mutex
	submitted  int
	idempotent int
	inProgress int
	blocked    int
	failed     int
}

func (s *stats) record(outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch outcome {
	case "submitted":
		s.submitted++
	case "idempotent":
		s.idempotent++
	case "in_progress":
		s.inProgress++
	case "blocked":
		s.blocked++
	default:
		s.failed++
	}
}

func main() {
	token, err := getAuthToken()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get auth token")
	}
	log.Info().Msg("authenticated against server")

	// Phase 1: submit orders, a portion of them with duplicate idempotency
	// keys, and confirm duplicates never create second orders.
	st := &stats{}
	keys := make([]string, ordersPerPhase)
	for i := range keys {
		keys[i] = "sim_" + uuid.New().String()
	}

	log.Info().Int("orders", ordersPerPhase).Msg("phase 1: idempotent submission")
	runWorkers(func(i int) {
		key := keys[i%len(keys)]
		outcome := submitOrder(token, key)
		st.record(outcome)
	}, 2*ordersPerPhase)

	log.Info().
		Int("submitted", st.submitted).
		Int("idempotent", st.idempotent).
		Int("in_progress", st.inProgress).
		Int("failed", st.failed).
		Msg("phase 1 complete")

	// Phase 2: configure a rapid-loss trigger, fire a breaching risk event
	// and verify the kill switch halts order flow.
	log.Info().Msg("phase 2: auto-trigger activation")
	if err := addTrigger(token); err != nil {
		log.Fatal().Err(err).Msg("failed to add auto trigger")
	}
	triggered, err := sendRiskEvent(token, 12.5)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to send risk event")
	}
	log.Info().Bool("triggered", triggered).Msg("risk event evaluated")

	blockedBefore := st.blocked
	runWorkers(func(i int) {
		outcome := submitOrder(token, "halted_"+uuid.New().String())
		st.record(outcome)
	}, ordersPerPhase)
	log.Info().
		Int("blocked", st.blocked-blockedBefore).
		Msg("phase 2 complete: submissions while halted")

	// Phase 3: deactivate and confirm order flow resumes.
	log.Info().Msg("phase 3: deactivation")
	if err := deactivate(token); err != nil {
		log.Fatal().Err(err).Msg("failed to deactivate kill switch")
	}
	outcome := submitOrder(token, "resumed_"+uuid.New().String())
	log.Info().Str("outcome", outcome).Msg("phase 3 complete: trading resumed")

	log.Info().
		Int("submitted", st.submitted).
		Int("idempotent", st.idempotent).
		Int("in_progress", st.inProgress).
		Int("blocked", st.blocked).
		Int("failed", st.failed).
		Msg("simulation finished")
}

// runWorkers fans n tasks out over the worker pool
func runWorkers(task func(i int), n int) {
	var wg sync.WaitGroup
	jobs := make(chan int)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				task(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// getAuthToken obtains a JWT using the registered test credentials
func getAuthToken() (string, error) {
	creds := auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	}
	body, _ := json.Marshal(creds)

	resp, err := http.Post(serverAddress+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool               `json:"success"`
		Data    auth.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", err
	}
	if !envelope.Success {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	return envelope.Data.Token, nil
}

// submitOrder posts one order and classifies the outcome
func submitOrder(token, idempotencyKey string) string {
	payload := map[string]interface{}{
		"idempotency_key": idempotencyKey,
		"exchange_id":     "EXCH1",
		"symbol":          symbols[rand.Intn(len(symbols))],
		"side":            sides[rand.Intn(len(sides))],
		"order_type":      "LIMIT",
		"quantity":        float64(rand.Intn(100) + 1),
		"price":           100 + rand.Float64()*50,
	}
	body, _ := json.Marshal(payload)

	resp, err := doRequest(token, http.MethodPost, "/api/v1/orders", body)
	if err != nil {
		return "error"
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusLocked {
		return "blocked"
	}

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Success              bool   `json:"success"`
			IsIdempotentResponse bool   `json:"is_idempotent_response"`
			ErrorCode            string `json:"error_code"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "error"
	}

	switch {
	case envelope.Data.IsIdempotentResponse:
		return "idempotent"
	case envelope.Data.ErrorCode == "SUBMISSION_IN_PROGRESS":
		return "in_progress"
	case envelope.Data.Success:
		return "submitted"
	default:
		return "failed"
	}
}

// addTrigger configures a rapid-loss auto trigger on the test tenant
func addTrigger(token string) error {
	trigger := killswitch.AutoTrigger{
		Condition: killswitch.TriggerCondition{
			Type:                 killswitch.ConditionRapidLoss,
			LossPercentThreshold: 10,
			TimeWindowMinutes:    5,
		},
		Enabled: true,
	}
	body, _ := json.Marshal(trigger)

	resp, err := doRequest(token, http.MethodPost, "/api/v1/killswitch/"+auth.TestAPIKey+"/triggers", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("add trigger failed with status %d", resp.StatusCode)
	}
	return nil
}

// sendRiskEvent feeds one risk event into the auto-trigger evaluator
func sendRiskEvent(token string, lossPercent float64) (bool, error) {
	event := killswitch.RiskEvent{
		EventType:   "RAPID_LOSS",
		Severity:    "CRITICAL",
		LossPercent: &lossPercent,
		Timestamp:   time.Now(),
	}
	body, _ := json.Marshal(event)

	resp, err := doRequest(token, http.MethodPost, "/api/v1/killswitch/"+auth.TestAPIKey+"/events", body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			Triggered bool `json:"triggered"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return false, err
	}
	return envelope.Data.Triggered, nil
}

// deactivate lifts the kill switch on the test tenant
func deactivate(token string) error {
	body, _ := json.Marshal(map[string]string{"auth_token": token})

	resp, err := doRequest(token, http.MethodPost, "/api/v1/killswitch/"+auth.TestAPIKey+"/deactivate", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deactivate failed with status %d: %s", resp.StatusCode, raw)
	}
	return nil
}

func doRequest(token, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, serverAddress+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return http.DefaultClient.Do(req)
}

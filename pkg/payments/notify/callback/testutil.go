package callback

import (
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/code-payments/payments-engine/pkg/payments/data/delivery"
	"github.com/code-payments/payments-engine/pkg/pointer"
	"github.com/code-payments/payments-engine/pkg/testutil"
)

type TestCallbackEndpoint struct {
	mu          sync.Mutex
	url         string
	requests    []string
	shouldError bool
	delay       time.Duration
}

// NewTestCallbackEndpoint returns a new server for testing callback execution
func NewTestCallbackEndpoint(t *testing.T) *TestCallbackEndpoint {
	server := &TestCallbackEndpoint{}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", server.handler)
	server.url = testutil.StartHttpServer(t, mux) + "/callback"
	return server
}

func (s *TestCallbackEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if r.Header.Get(contentTypeHeaderName) != contentTypeHeaderValue {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	shouldError := s.shouldError
	delay := s.delay
	s.requests = append(s.requests, string(body))
	s.mu.Unlock()

	time.Sleep(delay)

	if shouldError {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *TestCallbackEndpoint) Url() string {
	return s.url
}

func (s *TestCallbackEndpoint) GetReceivedRequests() []string {
	s.mu.Lock()
	copied := make([]string, len(s.requests))
	copy(copied, s.requests)
	s.mu.Unlock()
	return copied
}

func (s *TestCallbackEndpoint) GetRandomDeliveryRecord(t *testing.T) *delivery.Record {
	invoiceId := uuid.NewString()
	return &delivery.Record{
		DeliveryId:    invoiceId + ":FINISHED",
		InvoiceId:     invoiceId,
		Url:           s.url,
		Payload:       []byte(`{"invoiceId":"` + invoiceId + `","newState":"FINISHED","settledAmount":"0.0021"}`),
		State:         delivery.StatePending,
		CreatedAt:     time.Now(),
		NextAttemptAt: pointer.Time(time.Now()),
	}
}

func (s *TestCallbackEndpoint) SimulateErrors() {
	s.mu.Lock()
	s.shouldError = true
	s.mu.Unlock()
}

func (s *TestCallbackEndpoint) SimulateDelay(delay time.Duration) {
	s.mu.Lock()
	s.delay = delay
	s.mu.Unlock()
}

func (s *TestCallbackEndpoint) Reset() {
	s.mu.Lock()
	s.shouldError = false
	s.delay = 0
	s.requests = nil
	s.mu.Unlock()
}

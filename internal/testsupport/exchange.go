package testsupport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// RecordedRequest is one request received by an ExchangeServer
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

// Form parses a urlencoded body
func (r RecordedRequest) Form() url.Values {
	v, _ := url.ParseQuery(r.Body)
	return v
}

// ExchangeServer is an httptest server answering canned JSON per "METHOD /path"
type ExchangeServer struct {
	*httptest.Server

	mu       sync.Mutex
	routes   map[string]route
	requests []RecordedRequest
}

type route struct {
	status int
	body   string
}

// NewExchangeServer starts a stub exchange that is closed with the test
func NewExchangeServer(t *testing.T) *ExchangeServer {
	t.Helper()

	s := &ExchangeServer{routes: make(map[string]route)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle registers a 200 response for method and path
func (s *ExchangeServer) Handle(method, path, body string) {
	s.HandleStatus(method, path, http.StatusOK, body)
}

// HandleStatus registers a response with an explicit status code
func (s *ExchangeServer) HandleStatus(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = route{status: status, body: body}
}

// Requests returns every request received so far
func (s *ExchangeServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Last returns the most recent request to path
func (s *ExchangeServer) Last(path string) (RecordedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Path == path {
			return s.requests[i], true
		}
	}
	return RecordedRequest{}, false
}

func (s *ExchangeServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	rt, ok := s.routes[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"msg":"no route"}`))
		return
	}
	w.WriteHeader(rt.status)
	_, _ = w.Write([]byte(rt.body))
}

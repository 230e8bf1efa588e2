package mockserver

import (
	"sync"
	"time"
)

// State holds mock behaviour settings and request accounting
type State struct {
	mu sync.RWMutex

	// behaviour
	firstTokenDelay time.Duration
	tokenDelay      time.Duration
	defaultTokens   int
	failStatus      int
	failEvery       int
	emptyStream     bool
	malformedEvery  int

	// accounting
	requests    int
	failures    int
	inFlight    int
	maxInFlight int
	prompts     []string
}

// NewState creates a state that streams the requested token count with no delays
func NewState() *State {
	return &State{defaultTokens: 8}
}

// SetDelays configures the first-token and inter-token delays
func (s *State) SetDelays(first, perToken time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstTokenDelay = first
	s.tokenDelay = perToken
}

// SetDefaultTokens sets the token count used when a request omits one
func (s *State) SetDefaultTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultTokens = n
}

// SetFailEvery fails every nth request with status. n <= 0 disables failures;
// n == 1 fails every request.
func (s *State) SetFailEvery(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEvery = n
	s.failStatus = status
}

// SetEmptyStream makes successful responses carry no chunks
func (s *State) SetEmptyStream(empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyStream = empty
}

// SetMalformedEvery replaces every nth chunk of a stream with invalid JSON
func (s *State) SetMalformedEvery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformedEvery = n
}

// Reset clears behaviour and accounting
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstTokenDelay, s.tokenDelay = 0, 0
	s.defaultTokens = 8
	s.failStatus, s.failEvery = 0, 0
	s.emptyStream = false
	s.malformedEvery = 0
	s.requests, s.failures = 0, 0
	s.inFlight, s.maxInFlight = 0, 0
	s.prompts = nil
}

// Requests returns the number of generation requests received
func (s *State) Requests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}

// Failures returns the number of requests answered with an error
func (s *State) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// MaxInFlight returns the highest number of concurrent streams observed
func (s *State) MaxInFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxInFlight
}

// Prompts returns the prompts received, in arrival order
func (s *State) Prompts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// plan is the behaviour chosen for one request
type plan struct {
	fail      bool
	status    int
	tokens    int
	first     time.Duration
	perToken  time.Duration
	empty     bool
	malformed int
}

func (s *State) begin(prompt string, maxTokens int) plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.prompts = append(s.prompts, prompt)

	p := plan{
		tokens:    maxTokens,
		first:     s.firstTokenDelay,
		perToken:  s.tokenDelay,
		empty:     s.emptyStream,
		malformed: s.malformedEvery,
	}
	if p.tokens <= 0 {
		p.tokens = s.defaultTokens
	}
	if s.failEvery > 0 && s.requests%s.failEvery == 0 {
		s.failures++
		p.fail = true
		p.status = s.failStatus
		return p
	}

	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	return p
}

func (s *State) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
}

package collector

import (
	"sync"
	"time"
)

// RequestRecorder is the adaptation point for the host service: every
// handled request is reported through Observe. The application source
// drains it once per collection tick.
type RequestRecorder struct {
	mu        sync.Mutex
	requests  int64
	errors    int64
	totalTime time.Duration
	since     time.Time
	now       func() time.Time
}

// NewRequestRecorder returns a recorder whose first window starts now.
func NewRequestRecorder() *RequestRecorder {
	return &RequestRecorder{since: time.Now(), now: time.Now}
}

// Observe records one handled request.
func (r *RequestRecorder) Observe(duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	r.totalTime += duration
	if err != nil {
		r.errors++
	}
}

// RequestWindow summarizes the requests seen since the previous drain.
type RequestWindow struct {
	Requests       int64
	Errors         int64
	Elapsed        time.Duration
	RequestRate    float64 // requests per second
	ErrorRate      float64 // errors / requests
	ResponseTimeMs float64 // mean
}

// Drain returns the current window and starts a new one.
func (r *RequestRecorder) Drain() RequestWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w := RequestWindow{
		Requests: r.requests,
		Errors:   r.errors,
		Elapsed:  now.Sub(r.since),
	}
	if secs := w.Elapsed.Seconds(); secs > 0 {
		w.RequestRate = float64(w.Requests) / secs
	}
	if w.Requests > 0 {
		w.ErrorRate = float64(w.Errors) / float64(w.Requests)
		w.ResponseTimeMs = float64(r.totalTime.Milliseconds()) / float64(w.Requests)
	}

	r.requests, r.errors, r.totalTime = 0, 0, 0
	r.since = now
	return w
}

package middleware

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// IdempotencyHeader names the client-chosen key of a retryable request.
const IdempotencyHeader = "Idempotency-Key"

type storedResponse struct {
	done        bool
	status      int
	contentType string
	body        []byte
	at          time.Time
}

// Replays remembers responses to mutating requests by idempotency key for a
// TTL window, so a client retrying a POST never submits the same operation
// twice. It is safe for concurrent use.
type Replays struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]*storedResponse
	now  func() time.Time
}

// NewReplays creates a Replays that holds responses for ttl.
func NewReplays(ttl time.Duration) *Replays {
	return &Replays{ttl: ttl, seen: make(map[string]*storedResponse), now: time.Now}
}

// begin claims key. It returns the stored response when key was seen
// within the TTL; a nil response with ok=false means the caller owns it.
func (p *Replays) begin(key string) (prev *storedResponse, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if s, found := p.seen[key]; found && now.Sub(s.at) < p.ttl {
		return s, true
	}
	p.seen[key] = &storedResponse{at: now}
	return nil, false
}

func (p *Replays) finish(key string, rec *recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Server errors are not remembered so the client may retry.
	if rec.status >= http.StatusInternalServerError {
		delete(p.seen, key)
		return
	}
	p.seen[key] = &storedResponse{
		done:        true,
		status:      rec.status,
		contentType: rec.Header().Get("Content-Type"),
		body:        rec.body.Bytes(),
		at:          p.now(),
	}
}

// Cleanup removes entries that have expired beyond the TTL.
func (p *Replays) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for key, s := range p.seen {
		if now.Sub(s.at) >= p.ttl {
			delete(p.seen, key)
		}
	}
}

// Idempotency returns middleware that replays the stored response for a
// repeated Idempotency-Key on mutating requests. A request arriving while
// the first one with the same key is still running gets 409. Requests
// without the header pass through.
func Idempotency(p *Replays) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if p == nil || key == "" || isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			key = r.Method + " " + r.URL.Path + " " + key

			prev, seen := p.begin(key)
			if seen {
				if !prev.done {
					writeJSONError(w, http.StatusConflict, "request with this idempotency key is in progress")
					return
				}
				if prev.contentType != "" {
					w.Header().Set("Content-Type", prev.contentType)
				}
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(prev.status)
				w.Write(prev.body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			p.finish(key, rec)
		})
	}
}

// recorder tees the response body so it can be replayed.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	if !rec.wroteHeader {
		rec.status = code
		rec.wroteHeader = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

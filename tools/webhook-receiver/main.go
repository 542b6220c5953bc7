// Command webhook-receiver is a local target for easysched webhooks. It
// checks the shared secret and body signature, counts calls per job, and
// exposes what it saw on /stats.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const (
	headerSecret     = "X-Sched-Secret"
	headerSignature  = "X-Sched-Signature"
	headerDeliveryID = "X-Sched-Delivery-ID"
)

type payload struct {
	ID          string `json:"id"`
	DeliveryID  string `json:"deliveryId"`
	Reason      string `json:"reason"`
	ScheduledAt int64  `json:"scheduledAt,omitempty"`
	FiredAt     int64  `json:"firedAt"`
}

type request struct {
	Timestamp  string  `json:"timestamp"`
	DeliveryID string  `json:"delivery_id"`
	Payload    payload `json:"payload"`
	LagMillis  int64   `json:"lag_ms"`
}

type stats struct {
	Count        int64            `json:"count"`
	Rejected     int64            `json:"rejected"`
	PerJob       map[string]int64 `json:"per_job"`
	LastRequests []request        `json:"last_requests"`
	Since        string           `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	rejected     int64
	perJob       = make(map[string]int64)
	lastRequests []request
	since        time.Time
	maxStored    = 50
)

var (
	secret string
	// reply is sent back verbatim; e.g. {"ack":false} holds the lock
	// until the job is acknowledged through the admin API.
	reply string
)

func main() {
	since = time.Now().UTC()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("SCHED_SECRET")
	if secret == "" {
		log.Println("webhook-receiver: SCHED_SECRET not set; accepting unsigned calls")
	}
	reply = os.Getenv("REPLY")

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count, rejected = 0, 0
		perJob = make(map[string]int64)
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if secret != "" && !authentic(r, body) {
		mu.Lock()
		rejected++
		mu.Unlock()
		log.Printf("hook rejected: bad secret or signature from %s", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	req := request{
		Timestamp:  now.Format(time.RFC3339Nano),
		DeliveryID: r.Header.Get(headerDeliveryID),
		Payload:    p,
	}
	if p.ScheduledAt > 0 {
		req.LagMillis = now.UnixMilli() - p.ScheduledAt
	}

	mu.Lock()
	count++
	perJob[p.ID]++
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("hook received #%d: job=%s reason=%s lag=%dms", current, p.ID, p.Reason, req.LagMillis)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if reply != "" {
		fmt.Fprint(w, reply)
	}
}

func authentic(r *http.Request, body []byte) bool {
	if !hmac.Equal([]byte(r.Header.Get(headerSecret)), []byte(secret)) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(r.Header.Get(headerSignature)), []byte(want))
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	jobs := make(map[string]int64, len(perJob))
	for id, n := range perJob {
		jobs[id] = n
	}
	s := stats{
		Count:        count,
		Rejected:     rejected,
		PerJob:       jobs,
		LastRequests: append([]request(nil), lastRequests...),
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

package main

import (
	"bytes"
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
	headerInstanceID = "X-DeliveryGuard-Instance-ID"
	headerAttemptID  = "X-DeliveryGuard-Attempt-ID"
	headerSignature  = "X-DeliveryGuard-Signature"
)

type request struct {
	Timestamp  string `json:"timestamp"`
	InstanceID string `json:"instance_id"`
	AttemptID  string `json:"attempt_id"`
	Verified   bool   `json:"verified"`
	Body       string `json:"body"`
}

type stats struct {
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	count        int64
	rejected     int64
	lastRequests []request
	since        time.Time
	maxStored    = 50

	secret    string
	mode      string
	apiURL    string
	ackDelay  time.Duration
	ackClient = &http.Client{Timeout: 10 * time.Second}
)

// MODE=sync answers 200 (ack). MODE=async answers 202 and reports the ack
// to API_URL after ACK_DELAY. MODE=fail answers 503 (retryable nack).
func main() {
	since = time.Now().UTC()

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("SECRET")
	mode = os.Getenv("MODE")
	if mode == "" {
		mode = "sync"
	}
	apiURL = os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	ackDelay = time.Second
	if v := os.Getenv("ACK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("ack-receiver: invalid ACK_DELAY %q: %v", v, err)
		}
		ackDelay = d
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		rejected = 0
		lastRequests = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("ack-receiver listening on %s (mode=%s)", addr, mode)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	req := request{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		InstanceID: r.Header.Get(headerInstanceID),
		AttemptID:  r.Header.Get(headerAttemptID),
		Verified:   secret == "" || verify(body, r.Header.Get(headerSignature)),
		Body:       string(body),
	}

	mu.Lock()
	if !req.Verified {
		rejected++
		mu.Unlock()
		log.Printf("ack-receiver: bad signature for instance=%s", req.InstanceID)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	count++
	lastRequests = append(lastRequests, req)
	if len(lastRequests) > maxStored {
		lastRequests = lastRequests[len(lastRequests)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("delivery received #%d: instance=%s attempt=%s", current, req.InstanceID, req.AttemptID)

	switch mode {
	case "async":
		go reportAck(req.InstanceID)
		w.WriteHeader(http.StatusAccepted)
	case "fail":
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func verify(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func reportAck(instanceID string) {
	if instanceID == "" {
		return
	}
	time.Sleep(ackDelay)

	payload, _ := json.Marshal(map[string]string{"kind": "ack", "detail": "ack-receiver"})
	url := apiURL + "/instances/" + instanceID + "/outcome"
	resp, err := ackClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("ack-receiver: report ack instance=%s: %v", instanceID, err)
		return
	}
	resp.Body.Close()
	log.Printf("ack-receiver: reported ack instance=%s status=%d", instanceID, resp.StatusCode)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:        count,
		Rejected:     rejected,
		LastRequests: lastRequests,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

//go:build ignore
// +build ignore

// Package main provides a manual concurrency stress test for the lending API.
//
// Usage:
//
//	go run ./scripts/concurrency_test.go <book_id> <member1_id> [member2_id ...]
//
// Or use the convenience environment variables:
//
//	BOOK_ID=<uuid>  MEMBER_IDS=<uuid1>,<uuid2>,...  go run ./scripts/concurrency_test.go
//
// What it does:
//  1. Registers one new copy of the book and opens one pending request per member.
//  2. Fires N goroutines (one per request) all scanning that same copy simultaneously.
//  3. Prints how many scans bound the copy vs. were told it is already on loan.
//     Exactly one scan must win.
//
// Prerequisites:
//   - Server must be running against a migrated database.

package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const defaultServerAddr = "http://localhost:8080"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var client = &http.Client{Timeout: 10 * time.Second}

type scanResult struct {
	RequestID  string
	StatusCode int
	Kind       string
	Err        error
}

func main() {
	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = defaultServerAddr
	}

	bookID := os.Getenv("BOOK_ID")
	var memberIDs []string
	if v := os.Getenv("MEMBER_IDS"); v != "" {
		memberIDs = strings.Split(v, ",")
	}

	// Support positional args: script <book_id> [member_ids...]
	args := os.Args[1:]
	if len(args) >= 1 {
		bookID = args[0]
	}
	if len(args) >= 2 {
		memberIDs = args[1:]
	}

	if bookID == "" {
		log.Fatal("Usage: BOOK_ID=<uuid> MEMBER_IDS=<m1,m2,...> go run ./scripts/concurrency_test.go\n" +
			"  or: go run ./scripts/concurrency_test.go <book_id> <member1_id> [member2_id ...]")
	}
	if len(memberIDs) < 2 {
		log.Fatal("At least two member IDs are needed to race a scan")
	}

	fmt.Printf("=== Lending Scan Race ===\n")
	fmt.Printf("Server  : %s\n", serverAddr)
	fmt.Printf("Book    : %s\n", bookID)
	fmt.Printf("Members : %d\n\n", len(memberIDs))

	var copy struct {
		Label string `json:"label"`
	}
	if err := post(serverAddr+"/books/"+bookID+"/copies", nil, &copy); err != nil {
		log.Fatalf("register copy: %v", err)
	}
	fmt.Printf("Copy    : %s\n", copy.Label)

	requestIDs := make([]string, 0, len(memberIDs))
	for _, m := range memberIDs {
		var req struct {
			ID string `json:"id"`
		}
		body := map[string]interface{}{"member_id": strings.TrimSpace(m), "book_ids": []string{bookID}}
		if err := post(serverAddr+"/requests", body, &req); err != nil {
			log.Fatalf("create request for %s: %v", m, err)
		}
		requestIDs = append(requestIDs, req.ID)
	}

	results := make([]scanResult, len(requestIDs))
	var wg sync.WaitGroup
	staffID := uuid.NewString()

	// Fire all goroutines simultaneously using a barrier.
	start := make(chan struct{})
	for i, id := range requestIDs {
		wg.Add(1)
		go func(idx int, requestID string) {
			defer wg.Done()
			<-start
			results[idx] = scan(serverAddr, requestID, bookID, copy.Label, staffID)
		}(i, id)
	}

	fmt.Println("Firing all scans simultaneously...")
	close(start)
	wg.Wait()
	fmt.Println("All scans completed.")
	fmt.Println()

	var bound, onLoan, failures int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failures++
			fmt.Printf("  [ERR ] request=%-38s err=%v\n", r.RequestID, r.Err)
		case r.StatusCode == http.StatusOK:
			bound++
			fmt.Printf("  [BIND] request=%-38s status=%d\n", r.RequestID, r.StatusCode)
		case r.StatusCode == http.StatusConflict:
			onLoan++
			fmt.Printf("  [BUSY] request=%-38s status=%d kind=%s\n", r.RequestID, r.StatusCode, r.Kind)
		default:
			failures++
			fmt.Printf("  [FAIL] request=%-38s status=%d unexpected response\n", r.RequestID, r.StatusCode)
		}
	}

	fmt.Printf("\n--- Summary ---\n")
	fmt.Printf("Bound     : %d\n", bound)
	fmt.Printf("On loan   : %d\n", onLoan)
	fmt.Printf("Failures  : %d\n", failures)
	fmt.Printf("Total     : %d\n\n", len(results))

	if bound != 1 || failures > 0 {
		fmt.Printf("[FAIL] expected exactly one bound scan\n")
		os.Exit(1)
	}
	fmt.Println("[OK] exactly one scan bound the copy")
}

func scan(serverAddr, requestID, bookID, label, staffID string) scanResult {
	var out struct {
		Kind string `json:"kind"`
	}
	body := map[string]string{"book_id": bookID, "scan": label, "staff_id": staffID}
	code, err := do(serverAddr+"/requests/"+requestID+"/confirm", body, &out)
	return scanResult{RequestID: requestID, StatusCode: code, Kind: out.Kind, Err: err}
}

func post(url string, body, out interface{}) error {
	code, err := do(url, body, out)
	if err != nil {
		return err
	}
	if code >= 300 {
		return fmt.Errorf("status %d", code)
	}
	return nil
}

func do(url string, body, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("bad JSON: %s", raw)
	}
	return resp.StatusCode, nil
}

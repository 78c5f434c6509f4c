//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running riskwatch
// server.
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The server is read from RISKWATCH_TEST_URL (default http://localhost:8080).
// Tests create manual flags for uniquely named subjects so they can be run
// repeatedly against the same database.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL    string
	OperatorID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("RISKWATCH_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:    baseURL,
		OperatorID: "integration-operator",
	}
}

// Flag mirrors the flag fields the tests inspect.
type Flag struct {
	ID         string `json:"id"`
	SubjectID  string `json:"subjectId"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	RiskScore  *int   `json:"riskScore"`
	ResolvedBy string `json:"resolvedBy"`
	AdminNotes string `json:"adminNotes"`
}

// ReKYC mirrors a re-verification request.
type ReKYC struct {
	ID     string `json:"id"`
	FlagID string `json:"flagId"`
	Status string `json:"status"`
}

// RunResponse is the body of POST /detection/run.
type RunResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Summary *struct {
		RunID          string `json:"runId"`
		UsersProcessed int    `json:"usersProcessed"`
		UsersFlagged   int    `json:"usersFlagged"`
		Status         string `json:"status"`
	} `json:"summary"`
}

var client = &http.Client{Timeout: 60 * time.Second}

func call(t *testing.T, cfg TestConfig, method, path, operator string, body, out interface{}) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, cfg.BaseURL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if operator != "" {
		req.Header.Set("X-Operator-ID", operator)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("failed to parse %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func uniqueSubject(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestHealth(t *testing.T) {
	cfg := getTestConfig()

	var health map[string]string
	if code := call(t, cfg, http.MethodGet, "/health", "", nil, &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health["status"] == "" {
		t.Error("expected status in health response")
	}
}

func TestRulesListing(t *testing.T) {
	cfg := getTestConfig()

	var body struct {
		Rules []struct {
			Type  string `json:"type"`
			Score int    `json:"score"`
		} `json:"rules"`
	}
	call(t, cfg, http.MethodGet, "/rules", "", nil, &body)

	scores := map[string]int{}
	for _, r := range body.Rules {
		scores[r.Type] = r.Score
	}
	if scores["ORDER_FREQUENCY_SPIKE"] != 30 || scores["ORDER_VOLUME_SPIKE"] != 25 || scores["FREQUENT_APPEALS"] != 15 {
		t.Errorf("unexpected rule scores %v", scores)
	}
}

func TestDetectionRun(t *testing.T) {
	cfg := getTestConfig()

	var resp RunResponse
	code := call(t, cfg, http.MethodPost, "/detection/run", "", nil, &resp)
	if code == http.StatusConflict {
		t.Skip("another run is in progress")
	}
	if code != http.StatusOK || !resp.Success || resp.Summary == nil {
		t.Fatalf("expected successful run, got %d %+v", code, resp)
	}

	// Re-running immediately must not flag anyone twice.
	var again RunResponse
	call(t, cfg, http.MethodPost, "/detection/run", "", nil, &again)
	if again.Success && again.Summary.UsersFlagged != 0 {
		t.Errorf("expected idempotent rerun, got %d new flags", again.Summary.UsersFlagged)
	}
}

func TestMissingOperator_Unauthorized(t *testing.T) {
	cfg := getTestConfig()

	code := call(t, cfg, http.MethodPost, "/flags", "", map[string]string{"subjectId": "x", "reason": "y"}, nil)
	if code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestBlacklistUnblacklistLifecycle(t *testing.T) {
	cfg := getTestConfig()
	subject := uniqueSubject("it-blacklist")

	var flag Flag
	code := call(t, cfg, http.MethodPost, "/flags", cfg.OperatorID,
		map[string]string{"subjectId": subject, "reason": "integration test"}, &flag)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if flag.Status != "FLAGGED" || flag.RiskScore != nil {
		t.Fatalf("unexpected manual flag %+v", flag)
	}

	var blacklisted Flag
	if code := call(t, cfg, http.MethodPost, "/flags/"+flag.ID+"/blacklist", "op-x",
		map[string]string{"notes": "confirmed"}, &blacklisted); code != http.StatusOK {
		t.Fatalf("blacklist: expected 200, got %d", code)
	}
	if blacklisted.Status != "BLACKLISTED" {
		t.Fatalf("expected BLACKLISTED, got %s", blacklisted.Status)
	}

	if code := call(t, cfg, http.MethodPost, "/flags/"+flag.ID+"/unblacklist", "op-y",
		map[string]string{"justification": ""}, nil); code != http.StatusBadRequest {
		t.Errorf("unblacklist without justification: expected 400, got %d", code)
	}

	var reflagged Flag
	if code := call(t, cfg, http.MethodPost, "/flags/"+flag.ID+"/unblacklist", "op-y",
		map[string]string{"justification": "Verified documents"}, &reflagged); code != http.StatusOK {
		t.Fatalf("unblacklist: expected 200, got %d", code)
	}
	if reflagged.ID == flag.ID || reflagged.Status != "FLAGGED" {
		t.Errorf("expected a new FLAGGED row, got %+v", reflagged)
	}
	if reflagged.ResolvedBy != "op-y" || reflagged.AdminNotes != "Verified documents" {
		t.Errorf("unexpected resolution on new row %+v", reflagged)
	}

	var history struct {
		Flags []Flag `json:"flags"`
	}
	call(t, cfg, http.MethodGet, "/flags?subjectId="+subject, "", nil, &history)
	if len(history.Flags) != 2 {
		t.Errorf("expected 2 rows of history, got %d", len(history.Flags))
	}
}

func TestReKYCLifecycle(t *testing.T) {
	cfg := getTestConfig()
	subject := uniqueSubject("it-rekyc")

	var flag Flag
	if code := call(t, cfg, http.MethodPost, "/flags", cfg.OperatorID,
		map[string]string{"subjectId": subject, "reason": "integration test"}, &flag); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	var escalated struct {
		Flag  Flag  `json:"flag"`
		ReKYC ReKYC `json:"rekyc"`
	}
	if code := call(t, cfg, http.MethodPost, "/flags/"+flag.ID+"/rekyc", cfg.OperatorID, nil, &escalated); code != http.StatusOK {
		t.Fatalf("rekyc: expected 200, got %d", code)
	}
	if escalated.Flag.Status != "UNDER_REKYC" || escalated.ReKYC.Status != "PENDING" {
		t.Fatalf("unexpected escalation %+v", escalated)
	}

	if code := call(t, cfg, http.MethodPost, "/flags", cfg.OperatorID,
		map[string]string{"subjectId": subject, "reason": "duplicate"}, nil); code != http.StatusConflict {
		t.Errorf("duplicate active flag: expected 409, got %d", code)
	}

	var done struct {
		ReKYC ReKYC `json:"rekyc"`
		Flag  Flag  `json:"flag"`
	}
	if code := call(t, cfg, http.MethodPost, "/rekyc/"+escalated.ReKYC.ID+"/complete", cfg.OperatorID,
		map[string]bool{"approved": true}, &done); code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", code)
	}
	if done.ReKYC.Status != "APPROVED" || done.Flag.Status != "CLEARED" {
		t.Errorf("expected APPROVED/CLEARED, got %s/%s", done.ReKYC.Status, done.Flag.Status)
	}

	if code := call(t, cfg, http.MethodPost, "/flags/"+flag.ID+"/clear", cfg.OperatorID, nil, nil); code != http.StatusConflict {
		t.Errorf("clearing a cleared flag: expected 409, got %d", code)
	}
}

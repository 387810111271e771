// Command smoke drives a running tenauth-api instance through a full
// role/policy/assignment/evaluation round trip.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("TENAUTH_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tenant := os.Getenv("TENAUTH_SMOKE_TENANT")
	if tenant == "" {
		tenant = "smoke"
	}

	c := &client{
		base:   base,
		tenant: tenant,
		http:   &http.Client{Timeout: 5 * time.Second},
		token:  os.Getenv("TENAUTH_SMOKE_TOKEN"),
	}

	suffix := rand.New(rand.NewSource(time.Now().UnixNano())).Intn(1_000_000)
	policyKey := fmt.Sprintf("smoke-policy-%d", suffix)
	roleKey := fmt.Sprintf("smoke-role-%d", suffix)
	userID := fmt.Sprintf("smoke-user-%d", suffix)

	var policy struct {
		ID string `json:"id"`
	}
	c.do("POST", "/policies", map[string]any{
		"key":          policyKey,
		"display_name": "Smoke Policy",
		"allow":        []string{"reports.*.*"},
		"deny":         []string{"reports.delete.*"},
	}, http.StatusCreated, &policy)

	var role struct {
		ID string `json:"id"`
	}
	c.do("POST", "/roles", map[string]any{
		"key":          roleKey,
		"display_name": "Smoke Role",
		"policies":     []string{policyKey},
	}, http.StatusCreated, &role)

	var assignment struct {
		ID string `json:"id"`
	}
	c.do("POST", "/assignments", map[string]any{
		"user_id":  userID,
		"role_key": roleKey,
		"scope":    "*",
	}, http.StatusCreated, &assignment)

	var decision struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	c.do("POST", "/evaluate", map[string]any{
		"user_id":        userID,
		"permission":     "reports.read.financial",
		"resource_scope": "report:1",
	}, http.StatusOK, &decision)
	if !decision.Allowed {
		log.Fatalf("expected allow, got deny: %s", decision.Reason)
	}

	c.do("POST", "/evaluate", map[string]any{
		"user_id":        userID,
		"permission":     "reports.delete.financial",
		"resource_scope": "report:1",
	}, http.StatusOK, &decision)
	if decision.Allowed {
		log.Fatal("expected deny for reports.delete.financial, got allow")
	}

	var perms struct {
		Items []struct {
			Permission string `json:"permission"`
			Allowed    bool   `json:"allowed"`
		} `json:"items"`
	}
	c.do("GET", "/users/"+userID+"/permissions?scope=report:1", nil, http.StatusOK, &perms)
	if len(perms.Items) != 2 {
		log.Fatalf("expected 2 effective permissions, got %d", len(perms.Items))
	}

	c.do("DELETE", "/assignments/"+assignment.ID, nil, http.StatusOK, nil)

	c.do("POST", "/evaluate", map[string]any{
		"user_id":        userID,
		"permission":     "reports.read.financial",
		"resource_scope": "report:1",
	}, http.StatusOK, &decision)
	if decision.Allowed {
		log.Fatal("expected deny after revocation, got allow")
	}

	c.do("DELETE", "/roles/"+role.ID, nil, http.StatusNoContent, nil)
	c.do("DELETE", "/policies/"+policy.ID, nil, http.StatusNoContent, nil)

	fmt.Printf("✅ tenauth-api smoke test passed: tenant=%s user=%s\n", tenant, userID)
}

type client struct {
	base   string
	tenant string
	token  string
	http   *http.Client
}

func (c *client) do(method, path string, body any, wantStatus int, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s: encode: %v", method, path, err)
		}
	}
	url := c.base + "/v1/tenants/" + c.tenant + path
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

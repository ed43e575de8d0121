package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inquirychat/internal/app"
	"inquirychat/internal/config"
	"inquirychat/pkg/types"
)

const harnessSecret = "integration-secret-0123456789abcdefgh"

// Harness runs a full application on a loopback port with a patient, a
// doctor and an outsider account
type Harness struct {
	App      *app.Application
	BaseURL  string
	WSURL    string
	Patient  *types.User
	Doctor   *types.User
	Outsider *types.User
	DoctorID int64
}

// NewHarness starts the application on the in-memory store. env entries are
// applied as INQUIRYCHAT_ overrides before the config is loaded.
func NewHarness(t *testing.T, env map[string]string) *Harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	t.Setenv("INQUIRYCHAT_CONFIG", "")
	t.Setenv("INQUIRYCHAT_AUTH_SECRET", harnessSecret)
	t.Setenv("INQUIRYCHAT_DATABASE_DRIVER", "memory")
	t.Setenv("INQUIRYCHAT_HTTP_HOST", "127.0.0.1")
	t.Setenv("INQUIRYCHAT_HTTP_PORT", strconv.Itoa(port))
	for k, v := range env {
		t.Setenv("INQUIRYCHAT_"+k, v)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(stopCtx); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
	})

	h := &Harness{
		App:     application,
		BaseURL: "http://" + application.Addr(),
		WSURL:   "ws://" + application.Addr() + "/ws",
	}

	store := application.Store()
	h.Patient = &types.User{Mobile: "13700000001", Name: "patient", Role: types.RolePatient, Enabled: true}
	h.Doctor = &types.User{Mobile: "13700000002", Name: "doctor", Role: types.RoleDoctor, Enabled: true}
	h.Outsider = &types.User{Mobile: "13700000003", Name: "outsider", Role: types.RolePatient, Enabled: true}
	for _, u := range []*types.User{h.Patient, h.Doctor, h.Outsider} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
	}
	doctor := &types.Doctor{UserID: h.Doctor.ID, Title: "attending", Available: true}
	if err := store.CreateDoctor(ctx, doctor); err != nil {
		t.Fatalf("Failed to create doctor: %v", err)
	}
	h.DoctorID = doctor.ID
	return h
}

// Token issues a bearer credential for user
func (h *Harness) Token(t *testing.T, user *types.User) string {
	t.Helper()
	token, _, err := h.App.Tokens().IssueToken(user.Mobile)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// Do sends an authenticated request and decodes a JSON response into out
// when out is non-nil. It returns the status code.
func (h *Harness) Do(t *testing.T, user *types.User, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, h.BaseURL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.Token(t, user))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("Invalid JSON from %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// CreateInquiry opens a pending inquiry from the harness patient to the
// harness doctor
func (h *Harness) CreateInquiry(t *testing.T) *types.Inquiry {
	t.Helper()
	var inquiry types.Inquiry
	body := fmt.Sprintf(`{"doctorId": %d, "symptomDescription": "persistent cough"}`, h.DoctorID)
	if code := h.Do(t, h.Patient, http.MethodPost, "/api/inquiries", body, &inquiry); code != http.StatusCreated {
		t.Fatalf("Expected 201 creating inquiry, got %d", code)
	}
	return &inquiry
}

// Transition posts accept or complete as the harness doctor
func (h *Harness) Transition(t *testing.T, inquiryID int64, action string) *types.Inquiry {
	t.Helper()
	var inquiry types.Inquiry
	path := fmt.Sprintf("/api/inquiries/%d/%s", inquiryID, action)
	if code := h.Do(t, h.Doctor, http.MethodPost, path, "", &inquiry); code != http.StatusOK {
		t.Fatalf("Expected 200 from %s, got %d", action, code)
	}
	return &inquiry
}

// Connect admits user to the inquiry channel and consumes the connected
// acknowledgement
func (h *Harness) Connect(t *testing.T, user *types.User, inquiryID int64) *TestClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialTestClient(ctx, h.WSURL, h.Token(t, user), user.ID, inquiryID)
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", user.Name, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if _, err := client.Expect(types.EventConnected, 3*time.Second); err != nil {
		t.Fatalf("%s was not admitted: %v", user.Name, err)
	}
	return client
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetops/internal/config"
	"fleetops/internal/controller"
	"fleetops/internal/logger"
	"fleetops/internal/models"
	"fleetops/internal/notifier"

	gofakeit "github.com/brianvoe/gofakeit/v7"
)

const testDirectory = `
actors:
  - id: fleet-manager-1
    role: Requester
    contact:
      email: fm1@example.com
  - id: tow-berlin
    role: Provider
    profile:
      capabilities: [towing]
      base: {lat: 52.52, lng: 13.405}
      coverage_km: 60
      available: true
  - id: tow-potsdam
    role: Provider
    profile:
      capabilities: [towing, roadside assistance]
      base: {lat: 52.39, lng: 13.06}
      coverage_km: 40
      available: true
  - id: tow-hamburg
    role: Provider
    profile:
      capabilities: [towing]
      base: {lat: 53.55, lng: 9.99}
      coverage_km: 30
      available: true
`

const testPolicies = `
categories:
  - category: Towing
    required_payload_fields: [plate]
    required_term_fields: [price]
    templates:
      RequestAssigned: "Tow {{.RequestId}} goes to {{.ProviderId}}"
`

type delivery struct {
	actorId   string
	eventType models.EventType
	message   notifier.Notification
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (s *recordingSink) Deliver(ctx context.Context, actorId string, eventType models.EventType, payload []byte) error {
	var n notifier.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, delivery{actorId: actorId, eventType: eventType, message: n})
	return nil
}

func (s *recordingSink) received(actorId string, eventType models.EventType) []notifier.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notifier.Notification
	for _, d := range s.deliveries {
		if d.actorId == actorId && d.eventType == eventType {
			out = append(out, d.message)
		}
	}
	return out
}

func TestAppStartup(t *testing.T) {
	app, _ := StartupApp(t)
	StopApp(app)
}

func TestPing(t *testing.T) {
	app, _ := StartupApp(t)
	defer StopApp(app)

	body := ReqTest(t, app, "GET", "/api/ping", "", "ping", http.StatusOK)
	if string(body) != "ok" {
		t.Fatalf("/api/ping should return 'ok', got %q", body)
	}
}

func TestUnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"

	_, err := NewApp(WithConfig(cfg), WithLogger(logger.Discard()))
	if err == nil {
		t.Fatal("Expected error for unknown store driver")
	}
}

func TestBrokenPolicies(t *testing.T) {
	cfg := testConfig(t)
	cfg.PoliciesFile = writeFile(t, "policies.yaml", "categories:\n  - category: Towing\n    templates:\n      RequestAssigned: \"{{.Broken\"\n")

	_, err := NewApp(WithConfig(cfg), WithLogger(logger.Discard()))
	if err == nil {
		t.Fatal("Expected error for a policies file with a broken template")
	}
}

func TestTowingLifecycle(t *testing.T) {
	app, sink := StartupApp(t)
	defer StopApp(app)

	plate := gofakeit.Regex("B-[A-Z]{2} [0-9]{3}")

	// payload must carry the plate
	ReqTest(t, app, "POST", "/api/requests/new",
		`{"requesterId": "fleet-manager-1", "category": "Towing", "payload": {}}`, "missing plate", http.StatusBadRequest)

	var req models.Request
	unmarshal(t, ReqTest(t, app, "POST", "/api/requests/new",
		fmt.Sprintf(`{"requesterId": "fleet-manager-1", "category": "Towing", "location": {"lat": 52.50, "lng": 13.30}, "payload": {"plate": %q}}`, plate),
		"new request", http.StatusCreated), &req)

	var eligible []models.Request
	unmarshal(t, ReqTest(t, app, "GET", "/api/requests/eligible?providerId=tow-hamburg", "", "hamburg eligible", http.StatusOK), &eligible)
	if len(eligible) != 0 {
		t.Fatalf("Expected no eligible requests for tow-hamburg, got %d", len(eligible))
	}
	ReqTest(t, app, "POST", "/api/requests/"+req.Id+"/offers",
		`{"providerId": "tow-hamburg", "terms": {"price": 50}}`, "out of range offer", http.StatusForbidden)

	// terms must carry a price
	ReqTest(t, app, "POST", "/api/requests/"+req.Id+"/offers",
		`{"providerId": "tow-berlin", "terms": {"eta": "30m"}}`, "missing price", http.StatusBadRequest)

	var berlin, potsdam models.Offer
	unmarshal(t, ReqTest(t, app, "POST", "/api/requests/"+req.Id+"/offers",
		`{"providerId": "tow-berlin", "terms": {"price": 140, "eta": "30m"}}`, "berlin offer", http.StatusCreated), &berlin)
	unmarshal(t, ReqTest(t, app, "POST", "/api/requests/"+req.Id+"/offers",
		`{"providerId": "tow-potsdam", "terms": {"price": 120, "eta": "50m"}}`, "potsdam offer", http.StatusCreated), &potsdam)

	ReqTest(t, app, "PUT", fmt.Sprintf("/api/requests/%s/accept/%s?actorId=fleet-manager-1", req.Id, potsdam.Id), "", "accept", http.StatusOK)
	ReqTest(t, app, "PUT", fmt.Sprintf("/api/requests/%s/accept/%s?actorId=fleet-manager-1", req.Id, berlin.Id), "", "second accept", http.StatusConflict)

	var list controller.OffersResponse
	unmarshal(t, ReqTest(t, app, "GET", "/api/requests/"+req.Id+"/offers?actorId=fleet-manager-1", "", "offers", http.StatusOK), &list)
	for _, o := range list.Offers {
		if o.Id == potsdam.Id && o.Status != models.OfferAccepted {
			t.Fatalf("Expected accepted offer, got %s", o.Status)
		}
		if o.Id == berlin.Id && o.Status != models.OfferRejected {
			t.Fatalf("Expected rejected offer, got %s", o.Status)
		}
	}

	ReqTest(t, app, "PUT", "/api/requests/"+req.Id+"/status", `{"targetStatus": "InProgress", "actorId": "tow-potsdam"}`, "start", http.StatusOK)
	ReqTest(t, app, "PUT", "/api/requests/"+req.Id+"/status", `{"targetStatus": "Completed", "actorId": "tow-potsdam", "finalCost": 125}`, "complete", http.StatusOK)

	var done models.Request
	unmarshal(t, ReqTest(t, app, "GET", "/api/requests/"+req.Id, "", "get", http.StatusOK), &done)
	if done.Status != models.RequestCompleted {
		t.Fatalf("Expected Completed, got %s", done.Status)
	}

	// closing drains the notifier
	StopApp(app)

	if n := sink.received("tow-berlin", models.EventRequestCreated); len(n) != 1 {
		t.Errorf("Expected tow-berlin to be told about the new request, got %d", len(n))
	}
	if n := sink.received("tow-hamburg", models.EventRequestCreated); len(n) != 0 {
		t.Errorf("Expected tow-hamburg not to be told about the new request, got %d", len(n))
	}
	if n := sink.received("fleet-manager-1", models.EventOfferSubmitted); len(n) != 2 {
		t.Errorf("Expected two offer notifications for the requester, got %d", len(n))
	}
	assigned := sink.received("tow-potsdam", models.EventRequestAssigned)
	if len(assigned) != 1 || assigned[0].Message != fmt.Sprintf("Tow %s goes to tow-potsdam", req.Id) {
		t.Errorf("Expected templated assignment message for tow-potsdam, got %+v", assigned)
	}
	if n := sink.received("tow-berlin", models.EventOfferRejected); len(n) != 1 {
		t.Errorf("Expected tow-berlin to learn its offer was rejected, got %d", len(n))
	}
	completed := sink.received("fleet-manager-1", models.EventRequestCompleted)
	if len(completed) != 1 || completed[0].Contact.Email != "fm1@example.com" {
		t.Errorf("Expected completion notification with requester contact, got %+v", completed)
	}
	if n := sink.received("tow-potsdam", models.EventRequestCompleted); len(n) != 0 {
		t.Errorf("Expected the completing provider not to be notified of its own action, got %d", len(n))
	}

	if stats := app.Stats(); stats.Failed != 0 || stats.Dropped != 0 {
		t.Errorf("Expected no failed or dropped notifications, got %+v", stats)
	}
}

func TestCancelWhileBidding(t *testing.T) {
	app, sink := StartupApp(t)
	defer StopApp(app)

	var req models.Request
	unmarshal(t, ReqTest(t, app, "POST", "/api/requests/new",
		`{"requesterId": "fleet-manager-1", "category": "Roadside Assistance", "location": {"lat": 52.40, "lng": 13.10}}`,
		"new request", http.StatusCreated), &req)

	var offer models.Offer
	unmarshal(t, ReqTest(t, app, "POST", "/api/requests/"+req.Id+"/offers",
		`{"providerId": "tow-potsdam", "terms": {"price": 60}}`, "offer", http.StatusCreated), &offer)

	var cancelled models.Request
	unmarshal(t, ReqTest(t, app, "PUT", "/api/requests/"+req.Id+"/cancel?actorId=fleet-manager-1",
		`{"reason": "driver fixed it"}`, "cancel", http.StatusOK), &cancelled)
	if cancelled.Status != models.RequestCancelled {
		t.Fatalf("Expected Cancelled, got %s", cancelled.Status)
	}

	ReqTest(t, app, "PUT", "/api/requests/"+req.Id+"/status",
		`{"targetStatus": "InProgress", "actorId": "tow-potsdam"}`, "advance cancelled", http.StatusConflict)

	StopApp(app)

	n := sink.received("tow-potsdam", models.EventRequestCancelled)
	if len(n) != 1 || !strings.HasSuffix(n[0].Message, ": driver fixed it") {
		t.Errorf("Expected provider to be told about the cancellation with reason, got %+v", n)
	}
}

//// Service

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.NewConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.ServerAddress = freeAddress(t)
	cfg.StoreDriver = "memory"
	cfg.Sink = "log"
	cfg.DirectoryFile = writeFile(t, "directory.yaml", testDirectory)
	cfg.PoliciesFile = writeFile(t, "policies.yaml", testPolicies)
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	return cfg
}

func StartupApp(t *testing.T) (*App, *recordingSink) {
	gofakeit.Seed(0)

	sink := &recordingSink{}
	app, err := NewApp(WithConfig(testConfig(t)), WithLogger(logger.Discard()), WithSink(sink))
	if err != nil {
		t.Fatal(err)
	}

	go app.Run()
	waitReady(t, app)
	return app, sink
}

func StopApp(app *App) {
	select {
	case <-app.Done:
		return
	default:
	}
	app.stopSig <- os.Interrupt
	<-app.Done
}

func waitReady(t *testing.T, app *App) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://%s/api/ping", app.cfg.ServerAddress))
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Server at %s did not come up", app.cfg.ServerAddress)
}

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func ReqTest(t *testing.T, app *App, method, endpoint, body, testName string, expectedStatus int) []byte {
	var reader io.Reader
	if len(body) > 0 {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", app.cfg.ServerAddress, endpoint), reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expectedStatus {
		t.Fatalf("%s %s '%s' test should return status code %d, got %d, body:\n%s", method, endpoint, testName, expectedStatus, resp.StatusCode, string(respBody))
	}
	return respBody
}

func unmarshal(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Failed to decode %q: %s", data, err)
	}
}

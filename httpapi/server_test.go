package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/loramac/macd/events"
	"github.com/loramac/macd/mac"
	"github.com/loramac/macd/phy"
	"github.com/loramac/macd/radio"
)

func newTestServer(t *testing.T) (*Server, *mac.Device) {
	t.Helper()

	region, err := phy.New("EU868", false, false, 1)
	if err != nil {
		t.Fatalf("phy.New: %v", err)
	}
	sim := radio.NewSimulated(10*time.Millisecond, 3)
	broker := events.NewBroker(16)

	var appKey lorawan.AES128Key
	for i := range appKey {
		appKey[i] = 0x2a
	}

	dev := mac.New(mac.Config{
		Region:              region,
		Radio:               sim,
		Broker:              broker,
		Class:               mac.ClassA,
		DevEUI:              lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		JoinEUI:             lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1},
		AppKey:              appKey,
		MaxJoinTrials:       3,
		ConfirmedMsgRetries: 3,
		AckTimeoutJitterMax: time.Millisecond,
		Seed:                7,
	})
	dev.Start()
	t.Cleanup(dev.Stop)

	return New("127.0.0.1", 0, dev, broker, nil), dev
}

func TestGetStatusReportsNotYetJoined(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Joined {
		t.Fatal("expected Joined=false before any ConnectABP/Connect call")
	}
}

func TestPostSendWithoutSessionReturnsConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"fPort":5,"payloadHex":"68656c6c6f","mode":"unconfirmed"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/send", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 (no active session), got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostConnectABPThenSendAccepted(t *testing.T) {
	srv, _ := newTestServer(t)

	abpBody := strings.NewReader(`{"devAddr":"01010101","nwkSKey":"2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a","appSKey":"2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a2a"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/connect-abp", abpBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from connect-abp, got %d: %s", rec.Code, rec.Body.String())
	}

	sendBody := strings.NewReader(`{"fPort":5,"payloadHex":"68656c6c6f","mode":"unconfirmed"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/send", sendBody)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from send, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetCodecReturnsNotFoundWhenUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/codec", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

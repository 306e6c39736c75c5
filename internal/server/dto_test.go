package server

import (
	"testing"

	"agentflow/internal/domain"
)

func TestMappersSurfaceCorruptStoredJSON(t *testing.T) {
	if _, err := agentResponse(domain.Agent{ID: "a1", CapabilitiesJSON: "{not json"}); err == nil {
		t.Fatal("corrupt capabilities column rendered without error")
	}
	if _, err := agentResponse(domain.Agent{ID: "a1", SettingsJSON: "[\"wrong shape\"]"}); err == nil {
		t.Fatal("settings column of wrong shape rendered without error")
	}

	bad := "{not json"
	if _, err := sessionResponse(domain.Session{ID: "s1", TasksWorkedJSON: &bad}); err == nil {
		t.Fatal("corrupt tasks_worked column rendered without error")
	}

	if _, err := eventResponse(domain.Event{ID: 7, Payload: "{not json"}); err == nil {
		t.Fatal("corrupt event payload rendered without error")
	}
}

func TestMappersDecodeStoredJSON(t *testing.T) {
	a, err := agentResponse(domain.Agent{
		ID:               "a1",
		CapabilitiesJSON: `["go","sql"]`,
		SettingsJSON:     `{"editor":"vim"}`,
	})
	if err != nil {
		t.Fatalf("agentResponse: %v", err)
	}
	if len(a.Capabilities) != 2 || a.Settings["editor"] != "vim" {
		t.Fatalf("decoded agent = %+v", a)
	}

	evt, err := eventResponse(domain.Event{ID: 7, Payload: `{"message":"hi"}`})
	if err != nil {
		t.Fatalf("eventResponse: %v", err)
	}
	if evt.Payload["message"] != "hi" {
		t.Fatalf("decoded payload = %v", evt.Payload)
	}
}

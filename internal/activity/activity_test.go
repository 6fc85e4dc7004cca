package activity

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestActionIsValid(t *testing.T) {
	for _, tc := range []struct {
		action Action
		want   bool
	}{
		{ActionCreate, true},
		{ActionUpdate, true},
		{ActionDelete, true},
		{"restore", false},
		{"", false},
	} {
		if got := tc.action.IsValid(); got != tc.want {
			t.Errorf("Action(%q).IsValid() = %v, want %v", tc.action, got, tc.want)
		}
	}
}

func TestMustEntityType_PanicsOnUnknown(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for unknown entity type")
		}
	}()
	MustEntityType("spaceship")
}

func TestRegister(t *testing.T) {
	Register(TypeInfo{Name: "workspace", Public: true})
	info := MustEntityType("workspace")
	if !info.Public {
		t.Fatal("expected workspace to be public")
	}
	if !IsKnown(EntityPage) {
		t.Fatal("expected page to be registered by default")
	}
}

func TestEventTopic(t *testing.T) {
	e := &Event{EntityType: EntityPage, Action: ActionUpdate}
	if got := e.Topic(); got != "page.update" {
		t.Fatalf("Topic() = %q, want %q", got, "page.update")
	}
}

func TestMutationValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		m       Mutation
		wantErr string
	}{
		{
			name: "Valid",
			m:    Mutation{Action: ActionUpdate, EntityType: EntityPage, EntityID: "page_9", ChangedKeys: []string{"name"}},
		},
		{
			name:    "BadAction",
			m:       Mutation{Action: "touch", EntityType: EntityPage, EntityID: "page_9"},
			wantErr: "action",
		},
		{
			name:    "UnknownType",
			m:       Mutation{Action: ActionCreate, EntityType: "spaceship", EntityID: "x"},
			wantErr: "entity_type",
		},
		{
			name:    "MissingID",
			m:       Mutation{Action: ActionCreate, EntityType: EntityPage},
			wantErr: "entity_id",
		},
		{
			name:    "ChangedKeysOnCreate",
			m:       Mutation{Action: ActionCreate, EntityType: EntityPage, EntityID: "p", ChangedKeys: []string{"a"}},
			wantErr: "changed_keys",
		},
		{
			name:    "BadEntityJSON",
			m:       Mutation{Action: ActionCreate, EntityType: EntityPage, EntityID: "p", Entity: json.RawMessage(`{`)},
			wantErr: "entity",
		},
		{
			name:    "DottedCacheToken",
			m:       Mutation{Action: ActionUpdate, EntityType: EntityPage, EntityID: "p", CacheToken: "a.b"},
			wantErr: "cache_token",
		},
		{
			name:    "CacheTokenOnDelete",
			m:       Mutation{Action: ActionDelete, EntityType: EntityPage, EntityID: "p", CacheToken: "abc123"},
			wantErr: "cache_token",
		},
		{
			name:    "CounterWithoutScope",
			m:       Mutation{Action: ActionCreate, EntityType: EntityPage, EntityID: "p", Counters: []CounterDelta{{Namespace: "m", Delta: 1}}},
			wantErr: "counters",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.wantErr)
			}
		})
	}
}

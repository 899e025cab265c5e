package entity_test

import (
	"testing"
	"time"

	"github.com/ztsec/zerotrust-core/pkg/entity"
)

func sampleEntity() *entity.Entity {
	return &entity.Entity{
		ID:          "svc-1",
		Type:        entity.TypeService,
		IPAddresses: []string{"10.0.0.5"},
		TrustLevel:  entity.TrustLevelUntrusted,
		RiskScore:   1.0,
		Attributes:  map[string]interface{}{"mac_address": "aa:bb"},
		CreatedAt:   time.Now(),
	}
}

func TestStoreGetReturnsSnapshot(t *testing.T) {
	store := entity.NewStore()
	store.Put(sampleEntity())

	snap := store.Get("svc-1")
	if snap == nil {
		t.Fatal("Expected entity")
	}

	// Mutating the snapshot must not leak into the store.
	snap.TrustLevel = entity.TrustLevelVerified
	snap.Attributes["mac_address"] = "tampered"
	snap.IPAddresses[0] = "192.0.2.1"

	fresh := store.Get("svc-1")
	if fresh.TrustLevel != entity.TrustLevelUntrusted {
		t.Error("Snapshot mutation leaked into stored trust level")
	}
	if fresh.Attributes["mac_address"] != "aa:bb" {
		t.Error("Snapshot mutation leaked into stored attributes")
	}
	if fresh.IPAddresses[0] != "10.0.0.5" {
		t.Error("Snapshot mutation leaked into stored addresses")
	}
}

func TestStorePutDetachesCallerPointer(t *testing.T) {
	store := entity.NewStore()
	e := sampleEntity()
	store.Put(e)

	e.Quarantined = true
	if store.Get("svc-1").Quarantined {
		t.Error("Caller mutation after Put leaked into the store")
	}
}

func TestStoreUpdateSerializesMutation(t *testing.T) {
	store := entity.NewStore()
	store.Put(sampleEntity())

	ok := store.Update("svc-1", func(e *entity.Entity) {
		e.TrustLevel = entity.TrustLevelHigh
	})
	if !ok {
		t.Fatal("Update reported unknown entity")
	}
	if got := store.Get("svc-1").TrustLevel; got != entity.TrustLevelHigh {
		t.Errorf("Expected high trust after update, got %s", got)
	}
	if store.Update("ghost", func(e *entity.Entity) {}) {
		t.Error("Update of unknown entity must report false")
	}
}

func TestStoreListReturnsSnapshots(t *testing.T) {
	store := entity.NewStore()
	store.Put(sampleEntity())

	list := store.List()
	if len(list) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(list))
	}
	list[0].TrustLevel = entity.TrustLevelVerified
	if store.Get("svc-1").TrustLevel != entity.TrustLevelUntrusted {
		t.Error("List snapshot mutation leaked into the store")
	}
}

package serf

import (
	"testing"
)

func TestNewSerfManager(t *testing.T) {
	config := DefaultConfig()
	config.NodeID = "node-1"
	config.BindAddr = "127.0.0.1"
	config.RaftAddr = "127.0.0.1:6969"
	config.APIAddr = "127.0.0.1:8008"
	config.Tags = map[string]string{"zone": "a"}

	manager, err := NewSerfManager(config)
	if err != nil {
		t.Fatalf("NewSerfManager() error = %v", err)
	}

	if manager.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", manager.NodeID)
	}
	if manager.ConsumerEventCh == nil || manager.ingestEventQueue == nil {
		t.Fatal("event channels should be created")
	}
	if cap(manager.ingestEventQueue) != 2*cap(manager.ConsumerEventCh) {
		t.Errorf("ingest queue capacity = %d, want twice the consumer capacity", cap(manager.ingestEventQueue))
	}
}

func TestNewSerfManager_InvalidConfig(t *testing.T) {
	manager, err := NewSerfManager(nil)
	if err == nil {
		t.Error("NewSerfManager(nil) should fail without a node id")
	}
	if manager != nil {
		t.Error("NewSerfManager(nil) should return nil manager")
	}
}

func TestBuildNodeTags(t *testing.T) {
	config := DefaultConfig()
	config.NodeID = "node-1"
	config.RaftAddr = "10.0.0.1:6969"
	config.APIAddr = "10.0.0.1:8008"
	config.GRPCAddr = "10.0.0.1:7117"
	config.Tags = map[string]string{"zone": "a"}

	manager := &SerfManager{NodeID: "node-1", config: config}
	tags := manager.buildNodeTags()

	want := map[string]string{
		"zone":      "a",
		TagNodeID:   "node-1",
		TagRaftAddr: "10.0.0.1:6969",
		TagAPIAddr:  "10.0.0.1:8008",
		TagGRPCAddr: "10.0.0.1:7117",
		TagHealth:   "healthy",
	}
	if len(tags) != len(want) {
		t.Fatalf("buildNodeTags() = %v, want %v", tags, want)
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}
}

func TestSetTagBeforeStart(t *testing.T) {
	config := DefaultConfig()
	config.NodeID = "node-1"
	manager, err := NewSerfManager(config)
	if err != nil {
		t.Fatalf("NewSerfManager() error = %v", err)
	}

	if err := manager.SetHealthTag("degraded"); err != nil {
		t.Fatalf("SetHealthTag() error = %v", err)
	}
	if got := manager.currentTags()[TagHealth]; got != "degraded" {
		t.Errorf("health tag = %q, want degraded", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	config := DefaultConfig()
	config.NodeID = "node-1"
	config.BindAddr = "127.0.0.1"
	config.BindPort = 0
	config.LogLevel = "ERROR"

	manager, err := NewSerfManager(config)
	if err != nil {
		t.Fatalf("NewSerfManager() error = %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	local := manager.GetLocalMember()
	if local == nil || local.ID != "node-1" || !local.Alive() {
		t.Errorf("GetLocalMember() = %+v, want alive node-1", local)
	}

	if err := manager.SetHealthTag("degraded"); err != nil {
		t.Errorf("SetHealthTag() after start error = %v", err)
	}

	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

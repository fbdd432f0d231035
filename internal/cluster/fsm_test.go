package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
)

func applyCmd(t *testing.T, f *FSM, cmd Command) *ApplyResult {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp := f.Apply(&raft.Log{Type: raft.LogCommand, Data: data})
	switch r := resp.(type) {
	case *ApplyResult:
		return r
	case error:
		t.Fatalf("apply %s: %v", cmd.Type, r)
	}
	t.Fatalf("unexpected response %T", resp)
	return nil
}

func joinCmd(id, addr string) Command {
	return Command{Type: CommandJoin, Node: &Node{ID: id, Address: addr}, Time: time.Unix(100, 0).UTC()}
}

func TestFSMJoinIsIdempotent(t *testing.T) {
	f := NewFSM()

	var changes []Change
	f.OnChange(func(c Change) { changes = append(changes, c) })

	r := applyCmd(t, f, joinCmd("n1", "10.0.0.1:6969"))
	if !r.Changed || r.Version != 1 {
		t.Fatalf("first join = %+v, want changed at version 1", r)
	}

	r = applyCmd(t, f, joinCmd("n1", "10.0.0.1:6969"))
	if r.Changed || r.Version != 1 {
		t.Fatalf("duplicate join = %+v, want unchanged at version 1", r)
	}

	if len(changes) != 1 || len(changes[0].Joined) != 1 || changes[0].Joined[0] != "n1" {
		t.Fatalf("changes = %+v, want one join of n1", changes)
	}

	n, ok := f.Member("n1")
	if !ok {
		t.Fatal("n1 missing")
	}
	if n.Health != HealthHealthy {
		t.Errorf("health = %q, want healthy by default", n.Health)
	}
	if !n.JoinedAt.Equal(time.Unix(100, 0)) {
		t.Errorf("joined_at = %v, want the command time", n.JoinedAt)
	}
}

func TestFSMJoinUpdatesEndpoints(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, joinCmd("n1", "10.0.0.1:6969"))

	var got Change
	f.OnChange(func(c Change) { got = c })

	r := applyCmd(t, f, joinCmd("n1", "10.0.0.9:6969"))
	if !r.Changed {
		t.Fatal("moved node should change membership")
	}
	if len(got.Updated) != 1 || got.Updated[0] != "n1" {
		t.Errorf("updated = %v, want [n1]", got.Updated)
	}
	if n, _ := f.Member("n1"); n.Address != "10.0.0.9:6969" {
		t.Errorf("address = %q", n.Address)
	}
	if len(f.Members()) != 1 {
		t.Errorf("members = %d, want 1", len(f.Members()))
	}
}

func TestFSMLeave(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, joinCmd("n1", "a:1"))
	applyCmd(t, f, joinCmd("n2", "b:1"))

	r := applyCmd(t, f, Command{Type: CommandLeave, NodeID: "n2"})
	if !r.Changed || r.Version != 3 {
		t.Fatalf("leave = %+v, want changed at version 3", r)
	}
	r = applyCmd(t, f, Command{Type: CommandLeave, NodeID: "n2"})
	if r.Changed {
		t.Error("second leave should be a no-op")
	}
	r = applyCmd(t, f, Command{Type: CommandLeave, NodeID: "ghost"})
	if r.Changed {
		t.Error("leaving an unknown node should be a no-op")
	}

	members := f.Members()
	if len(members) != 1 || members[0].ID != "n1" {
		t.Errorf("members = %+v, want only n1", members)
	}
}

func TestFSMHealth(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, joinCmd("n1", "a:1"))

	r := applyCmd(t, f, Command{Type: CommandHealth, NodeID: "n1", Health: HealthDegraded})
	if !r.Changed {
		t.Fatal("health change should change membership")
	}
	r = applyCmd(t, f, Command{Type: CommandHealth, NodeID: "n1", Health: HealthDegraded})
	if r.Changed {
		t.Error("same health should be a no-op")
	}
	r = applyCmd(t, f, Command{Type: CommandHealth, NodeID: "gone", Health: HealthDegraded})
	if r.Changed {
		t.Error("health for an unknown node should be a no-op")
	}

	data, _ := json.Marshal(Command{Type: CommandHealth, NodeID: "n1", Health: "sleepy"})
	if _, ok := f.Apply(&raft.Log{Type: raft.LogCommand, Data: data}).(error); !ok {
		t.Error("unknown health should be rejected")
	}
	if n, _ := f.Member("n1"); n.Health != HealthDegraded {
		t.Errorf("health = %q, want degraded", n.Health)
	}
}

func TestFSMClusterIDSetOnce(t *testing.T) {
	f := NewFSM()

	applyCmd(t, f, Command{Type: CommandClusterID, ClusterID: "first"})
	r := applyCmd(t, f, Command{Type: CommandClusterID, ClusterID: "second"})
	if r.Changed {
		t.Error("cluster id should only be set once")
	}
	if f.ClusterID() != "first" {
		t.Errorf("cluster id = %q, want first", f.ClusterID())
	}
}

func TestFSMRejectsBadCommands(t *testing.T) {
	f := NewFSM()

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("{not json")},
		{"unknown type", []byte(`{"type":"explode"}`)},
		{"join without node", []byte(`{"type":"join"}`)},
		{"join without address", []byte(`{"type":"join","node":{"id":"n1"}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.Apply(&raft.Log{Type: raft.LogCommand, Data: tt.data})
			if _, ok := resp.(error); !ok {
				t.Errorf("response = %v, want error", resp)
			}
		})
	}
	if f.Version() != 0 {
		t.Errorf("version = %d, rejected commands must not change it", f.Version())
	}
}

func TestFSMIgnoresNonCommandLogs(t *testing.T) {
	f := NewFSM()
	if resp := f.Apply(&raft.Log{Type: raft.LogNoop}); resp != nil {
		t.Errorf("noop response = %v, want nil", resp)
	}
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	src := NewFSM()
	applyCmd(t, src, joinCmd("n1", "a:1"))
	applyCmd(t, src, joinCmd("n2", "b:1"))
	applyCmd(t, src, Command{Type: CommandClusterID, ClusterID: "c1"})

	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}
	snap.Release()

	dst := NewFSM()
	applyCmd(t, dst, joinCmd("n2", "b:2"))
	applyCmd(t, dst, joinCmd("n9", "z:1"))

	var got Change
	dst.OnChange(func(c Change) { got = c })

	if err := dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if dst.ClusterID() != "c1" || dst.Version() != src.Version() {
		t.Errorf("restored id/version = %q/%d, want c1/%d", dst.ClusterID(), dst.Version(), src.Version())
	}
	if len(dst.Members()) != 2 {
		t.Fatalf("members = %+v, want n1 and n2", dst.Members())
	}
	if len(got.Joined) != 1 || got.Joined[0] != "n1" {
		t.Errorf("joined = %v, want [n1]", got.Joined)
	}
	if len(got.Updated) != 1 || got.Updated[0] != "n2" {
		t.Errorf("updated = %v, want [n2]", got.Updated)
	}
	if len(got.Departed) != 1 || got.Departed[0] != "n9" {
		t.Errorf("departed = %v, want [n9]", got.Departed)
	}
}

package env

import (
	"testing"
)

func Test_parseDefaults(t *testing.T) {
	e, err := Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Peers) != 1 || e.Peers[0] != e.Self {
		t.Errorf("default world should be the single self peer: %v", e.Peers)
	}
	if e.SPSize != 1 {
		t.Errorf("default sp size should be 1, got %d", e.SPSize)
	}
}

func Test_parseCluster(t *testing.T) {
	t.Setenv(SelfSpecEnvKey, "127.0.0.1:10001")
	t.Setenv(PeerListEnvKey, "127.0.0.1:10000,127.0.0.1:10001")
	t.Setenv(SPSizeEnvKey, "2")
	e, err := Parse()
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Peers) != 2 {
		t.Fatalf("want 2 peers, got %d", len(e.Peers))
	}
	if rank, ok := e.Peers.Rank(e.Self); !ok || rank != 1 {
		t.Errorf("self should be rank 1, got %d (%v)", rank, ok)
	}
	if e.SPSize != 2 {
		t.Errorf("sp size should be 2, got %d", e.SPSize)
	}
}

func Test_parseRejectsOutsider(t *testing.T) {
	t.Setenv(SelfSpecEnvKey, "127.0.0.1:10009")
	t.Setenv(PeerListEnvKey, "127.0.0.1:10000,127.0.0.1:10001")
	if _, err := Parse(); err == nil {
		t.Error("self outside the peer list should be rejected")
	}
}

package presence

import (
	"testing"
)

func TestStore_UpsertBumpsVersion(t *testing.T) {
	s := New(nil)
	if s.Version() != 0 {
		t.Fatalf("fresh store version = %d", s.Version())
	}

	v1 := s.Upsert(Record{Key: ClientKey("cli", "i1"), Kind: "client", Connected: true})
	v2 := s.Upsert(Record{Key: ClientKey("app", "i2"), Kind: "client", Connected: true})
	if v1 != 1 || v2 != 2 {
		t.Fatalf("versions = %d, %d", v1, v2)
	}

	records, version := s.Snapshot()
	if len(records) != 2 || version != 2 {
		t.Fatalf("snapshot: %d records, version %d", len(records), version)
	}
}

func TestStore_MarkDisconnectedKeepsRecord(t *testing.T) {
	s := New(nil)
	key := ClientKey("cli", "i1")
	s.Upsert(Record{Key: key, Kind: "client", Connected: true})

	version, ok := s.MarkDisconnected(key, "socket closed")
	if !ok {
		t.Fatal("expected existing record")
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}

	records, _ := s.Snapshot()
	if len(records) != 1 {
		t.Fatalf("record removed on disconnect")
	}
	if records[0].Connected {
		t.Fatal("record still connected")
	}
	if records[0].Reason != "socket closed" {
		t.Fatalf("reason = %q", records[0].Reason)
	}
}

func TestStore_MarkDisconnectedUnknownKey(t *testing.T) {
	s := New(nil)
	if _, ok := s.MarkDisconnected("client:ghost", ""); ok {
		t.Fatal("unknown key should report false")
	}
	if s.Version() != 0 {
		t.Fatal("version bumped for no-op")
	}
}

func TestStore_OnBumpCallback(t *testing.T) {
	var gotVersion int64
	var gotKey string
	s := New(func(version int64, rec Record) {
		gotVersion = version
		gotKey = rec.Key
	})
	s.Upsert(Record{Key: "system:voice", Kind: "system", Connected: true})
	if gotVersion != 1 || gotKey != "system:voice" {
		t.Fatalf("callback saw version=%d key=%q", gotVersion, gotKey)
	}
}

func TestClientKey(t *testing.T) {
	if got := ClientKey("cli", "abc"); got != "client:cli:abc" {
		t.Fatalf("got %q", got)
	}
	if got := ClientKey("cli", ""); got != "client:cli" {
		t.Fatalf("got %q", got)
	}
}

func TestSnapshot_Sorted(t *testing.T) {
	s := New(nil)
	s.Upsert(Record{Key: "client:b"})
	s.Upsert(Record{Key: "client:a"})
	records, _ := s.Snapshot()
	if records[0].Key != "client:a" || records[1].Key != "client:b" {
		t.Fatalf("not sorted: %v, %v", records[0].Key, records[1].Key)
	}
}

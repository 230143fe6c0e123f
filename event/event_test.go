package event

import "testing"

func TestUnwrapDispatchesOnType(t *testing.T) {
	b, err := Wrap(KindUnread, Unread{ConversationID: "100", Count: 3, Signal: "badge"})
	if err != nil {
		t.Fatal(err)
	}
	kind, v, err := Unwrap(b)
	if err != nil {
		t.Fatal(err)
	}
	u, ok := v.(*Unread)
	if kind != KindUnread || !ok {
		t.Fatalf("got %s %T, want unread *Unread", kind, v)
	}
	if u.Count != 3 || u.ConversationID != "100" {
		t.Errorf("payload: got %+v", u)
	}

	if _, _, err := Unwrap([]byte(`{"type":"nope","data":{}}`)); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestMessageKeySeparatesConversations(t *testing.T) {
	a := Message{ConversationID: "1", ID: "23"}
	b := Message{ConversationID: "12", ID: "3"}
	if a.Key() == b.Key() {
		t.Errorf("keys collide: %q", a.Key())
	}
}

func TestContentHash(t *testing.T) {
	if ContentHash("ab", "c") == ContentHash("a", "bc") {
		t.Error("part boundaries must change the hash")
	}
	if len(ContentHash("x")) != 64 {
		t.Error("want hex SHA-256")
	}
}

package connection

import (
	"bytes"
	"testing"
)

func Test_messageHeader(t *testing.T) {
	mh := MessageHeader{
		NameLength: 3,
		Name:       []byte("abc"),
		Flags:      WaitRecvBuf,
	}
	b := &bytes.Buffer{}
	if err := mh.WriteTo(b); err != nil {
		t.Fatal(err)
	}
	var got MessageHeader
	if err := got.ReadFrom(b); err != nil {
		t.Fatal(err)
	}
	if string(got.Name) != "abc" || !got.HasFlag(WaitRecvBuf) {
		t.Errorf("header round-trip wrong: %s flags=%d", got, got.Flags)
	}
}

func Test_message(t *testing.T) {
	m := Message{
		Length: 4,
		Data:   []byte("data"),
	}
	b := &bytes.Buffer{}
	if err := m.WriteTo(b); err != nil {
		t.Fatal(err)
	}
	var got Message
	if err := got.ReadFrom(b); err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "data" {
		t.Errorf("message round-trip wrong: %q", got.Data)
	}
}

func Test_messageReadInto(t *testing.T) {
	m := Message{Length: 4, Data: []byte("data")}
	b := &bytes.Buffer{}
	if err := m.WriteTo(b); err != nil {
		t.Fatal(err)
	}
	into := Message{Length: 4, Data: make([]byte, 4)}
	if err := into.ReadInto(b); err != nil {
		t.Fatal(err)
	}
	if string(into.Data) != "data" {
		t.Errorf("ReadInto wrong: %q", into.Data)
	}

	short := Message{Length: 2, Data: make([]byte, 2)}
	b2 := &bytes.Buffer{}
	if err := m.WriteTo(b2); err != nil {
		t.Fatal(err)
	}
	if err := short.ReadInto(b2); err == nil {
		t.Error("length mismatch should be rejected")
	}
}

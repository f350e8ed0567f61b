package shaderbin

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestLoadExactMultipleOfFour(t *testing.T) {
	want := []uint32{1, 2, 3}
	buf := make([]byte, 12)
	for i, w := range want {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	got, err := Load(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Load = %v, want %v", got, want)
	}
}

func TestLoadPadsTrailingBytes(t *testing.T) {
	buf := []byte{0xAA, 0xBB, 0xCC}
	got, err := Load(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	want := binary.LittleEndian.Uint32([]byte{0xAA, 0xBB, 0xCC, 0x00})
	if got[0] != want {
		t.Fatalf("Load = %#x, want %#x", got[0], want)
	}
}

func TestLoadEmpty(t *testing.T) {
	got, err := Load(bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("len(got) = %d, want 0", len(got))
	}
}

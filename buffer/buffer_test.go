package buffer_test

import (
	"testing"

	"github.com/vxgpu/compute/backend/simulated"
	"github.com/vxgpu/compute/buffer"
)

func TestResizeAllocatesAndReportsSize(t *testing.T) {
	inst := simulated.NewInstance()
	dev, err := inst.CreateDevice(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	b := buffer.New(dev, buffer.KindStorage, buffer.VisibilityShared)
	defer b.Destroy()

	if err := b.Resize(256); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got := b.Size(); got != 256 {
		t.Fatalf("Size = %d, want 256", got)
	}
	if !b.ConsumeSizeChanged() {
		t.Fatal("ConsumeSizeChanged should report true after first Resize")
	}
	if b.ConsumeSizeChanged() {
		t.Fatal("ConsumeSizeChanged should report false once consumed")
	}
}

func TestResizeToSameSizeFlagsSizeChange(t *testing.T) {
	inst := simulated.NewInstance()
	dev, err := inst.CreateDevice(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	b := buffer.New(dev, buffer.KindUniform, buffer.VisibilityShared)
	defer b.Destroy()

	if err := b.Resize(64); err != nil {
		t.Fatal(err)
	}
	b.ConsumeSizeChanged()

	if err := b.Resize(64); err != nil {
		t.Fatal(err)
	}
	if !b.ConsumeSizeChanged() {
		t.Fatal("resizing to the same size should flag a size change")
	}
}

func TestMapReturnsWritableMemory(t *testing.T) {
	inst := simulated.NewInstance()
	dev, err := inst.CreateDevice(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	b := buffer.New(dev, buffer.KindUniform, buffer.VisibilityShared)
	defer b.Destroy()

	if err := b.Resize(16); err != nil {
		t.Fatal(err)
	}
	data, err := b.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(data) != 16 {
		t.Fatalf("mapped len = %d, want 16", len(data))
	}
	data[0] = 0xFF
	b.Unmap()

	data2, err := b.Map()
	if err != nil {
		t.Fatal(err)
	}
	if data2[0] != 0xFF {
		t.Fatal("write before Unmap was not retained")
	}
}

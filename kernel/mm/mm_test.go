package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
		{0xfffff000, Frame(0xfffff)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPageAlign(t *testing.T) {
	specs := []struct {
		input          uintptr
		expDown, expUp uintptr
	}{
		{0, 0, 0},
		{1, 0, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
		{0x9fc00, 0x9f000, 0xa0000},
	}

	for specIndex, spec := range specs {
		if got := PageAlignDown(spec.input); got != spec.expDown {
			t.Errorf("[spec %d] expected PageAlignDown(0x%x) to return 0x%x; got 0x%x", specIndex, spec.input, spec.expDown, got)
		}
		if got := PageAlignUp(spec.input); got != spec.expUp {
			t.Errorf("[spec %d] expected PageAlignUp(0x%x) to return 0x%x; got 0x%x", specIndex, spec.input, spec.expUp, got)
		}
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uintptr
	}{
		{0, 0},
		{1 * Byte, 1},
		{4 * Kb, 1},
		{4*Kb + 1, 2},
		{1 * Mb, 256},
		{4 * Mb, 1024},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected Size(%d).Pages() to return %d; got %d", specIndex, spec.size, spec.expPages, got)
		}
	}
}

package wat

import "testing"

const addModule = `
(module
  (memory (export "memory") 1)
  (func (export "add") (param i32) (param i32) (result i32)
    local.get 0
    local.get 1
    i32.add
  )
)
`

const namedLocalsAndCallModule = `
(module
  (memory (export "memory") 2)

  (func $double (param $x i32) (result i32)
    local.get $x
    local.get $x
    i32.add
  )

  (func (export "quadruple") (param $n i32) (result i32)
    (local $doubled i32)
    local.get $n
    call $double
    local.set $doubled
    local.get $doubled
    call $double
  )
)
`

func TestCompileNamedLocalsAndCall(t *testing.T) {
	bin, err := Compile(namedLocalsAndCallModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(bin) == 0 {
		t.Fatal("expected non-empty binary")
	}
}

func TestCompileProducesValidHeader(t *testing.T) {
	bin, err := Compile(addModule)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(bin) < 8 {
		t.Fatalf("binary too short: %d bytes", len(bin))
	}
	wantMagic := []byte{0x00, 0x61, 0x73, 0x6D}
	for i, b := range wantMagic {
		if bin[i] != b {
			t.Fatalf("bad magic byte %d: got %#x, want %#x", i, bin[i], b)
		}
	}
	wantVersion := []byte{0x01, 0x00, 0x00, 0x00}
	for i, b := range wantVersion {
		if bin[4+i] != b {
			t.Fatalf("bad version byte %d: got %#x, want %#x", i, bin[4+i], b)
		}
	}
}

func TestCompileRejectsFoldedInstructions(t *testing.T) {
	_, err := Compile(`
(module
  (memory (export "memory") 1)
  (func (export "bad") (result i32)
    (i32.add (i32.const 1) (i32.const 2))
  )
)
`)
	if err == nil {
		t.Fatal("expected an error for folded instruction expressions, got nil")
	}
}

func TestCompileRejectsMissingMemory(t *testing.T) {
	_, err := Compile(`
(module
  (func (export "noop"))
)
`)
	if err == nil {
		t.Fatal("expected an error for a module with no memory declaration")
	}
}

func TestCompileUnknownInstruction(t *testing.T) {
	_, err := Compile(`
(module
  (memory (export "memory") 1)
  (func (export "bad")
    frobnicate
  )
)
`)
	if err == nil {
		t.Fatal("expected an error for an unsupported mnemonic")
	}
}

func TestULEB128RoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 127, 128, 300, 16384, 1<<31 - 1}
	for _, v := range cases {
		enc := uleb32(v)
		var got uint32
		var shift uint
		for _, b := range enc {
			got |= uint32(b&0x7F) << shift
			shift += 7
		}
		if got != v {
			t.Errorf("uleb32 round trip for %d: got %d", v, got)
		}
	}
}

func TestSLEB64RoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 127, -127, 1000000, -1000000}
	for _, v := range cases {
		enc := sleb64(v)
		got, n := decodeSleb64(enc)
		if n != len(enc) || got != v {
			t.Errorf("sleb64 round trip for %d: got %d (consumed %d/%d)", v, got, n, len(enc))
		}
	}
}

// decodeSleb64 is a tiny local decoder used only to assert the sleb64
// encoder's round-trip property in tests.
func decodeSleb64(buf []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	for {
		b := buf[i]
		result |= int64(b&0x7F) << shift
		shift += 7
		i++
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			break
		}
	}
	return result, i
}

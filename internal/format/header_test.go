package format

import (
	"errors"
	"testing"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{name: "block level plain", h: Header{Type: TypeBlockLevel, Version: 1}},
		{name: "block level compressed", h: Header{Type: TypeBlockLevel, Version: 1, Flags: FlagCompressed}},
		{name: "future file kind", h: Header{Type: 'q', Version: 3, Flags: 0x0f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.h.Encode()
			if buf[0] != Signature {
				t.Fatalf("signature byte = 0x%02x, want 0x%02x", buf[0], Signature)
			}
			got, err := Decode(buf[:])
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.h {
				t.Fatalf("round trip = %+v, want %+v", got, tt.h)
			}
		})
	}
}

func TestHeaderEncodeInto(t *testing.T) {
	h := Header{Type: TypeBlockLevel, Version: 2, Flags: FlagCompressed}
	buf := make([]byte, 10)
	n := h.EncodeInto(buf)
	if n != HeaderSize {
		t.Fatalf("EncodeInto wrote %d bytes, want %d", n, HeaderSize)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != h {
		t.Fatalf("decoded = %+v, want %+v", got, h)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{Signature, TypeBlockLevel}); !errors.Is(err, ErrHeaderTooSmall) {
		t.Fatalf("err = %v, want ErrHeaderTooSmall", err)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	if _, err := Decode([]byte{'x', TypeBlockLevel, 1, 0}); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
}

func TestDecodeAndValidate(t *testing.T) {
	buf := Header{Type: TypeBlockLevel, Version: 1, Flags: FlagCompressed}.Encode()

	h, err := DecodeAndValidate(buf[:], TypeBlockLevel, 1)
	if err != nil {
		t.Fatalf("DecodeAndValidate: %v", err)
	}
	if h.Flags&FlagCompressed == 0 {
		t.Fatal("compressed flag lost through DecodeAndValidate")
	}

	if _, err := DecodeAndValidate(buf[:], 'q', 1); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("wrong type err = %v, want ErrTypeMismatch", err)
	}
	if _, err := DecodeAndValidate(buf[:], TypeBlockLevel, 2); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("wrong version err = %v, want ErrVersionMismatch", err)
	}
}

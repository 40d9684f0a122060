package limits

import (
	"errors"
	"testing"
)

func TestMaxFrameSizeMatchesPrefix(t *testing.T) {
	if MaxFrameSize != 0xFFFFFF {
		t.Errorf("MaxFrameSize = %d, want %d", MaxFrameSize, 0xFFFFFF)
	}
	if DefaultMaxFrameSize > MaxFrameSize {
		t.Errorf("DefaultMaxFrameSize %d exceeds MaxFrameSize", DefaultMaxFrameSize)
	}
}

func TestValidateFrameLength(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		max     int
		wantErr bool
	}{
		{"within bound", 100, 1024, false},
		{"at bound", 1024, 1024, false},
		{"over bound", 1025, 1024, true},
		{"zero max clamps to prefix", MaxFrameSize, 0, false},
		{"over prefix", MaxFrameSize + 1, 0, true},
		{"oversized max clamps", MaxFrameSize + 1, MaxFrameSize * 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFrameLength(tt.length, tt.max)
			if tt.wantErr {
				if !errors.Is(err, ErrMessageTooLarge) {
					t.Fatalf("expected ErrMessageTooLarge, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateFrameSize(t *testing.T) {
	if err := ValidateFrameSize(nil, 10); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
	if err := ValidateFrameSize(make([]byte, 11), 10); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestFrameBudget(t *testing.T) {
	if MaxFramePlaintext+NoiseOverhead != MaxFrame {
		t.Errorf("MaxFramePlaintext + NoiseOverhead = %d, want %d", MaxFramePlaintext+NoiseOverhead, MaxFrame)
	}
	if MaxQRPayload >= MaxFramePlaintext {
		t.Errorf("MaxQRPayload %d does not fit in one frame", MaxQRPayload)
	}
}

func TestValidateText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{"empty", "", ErrMessageEmpty},
		{"single byte", "x", nil},
		{"at limit", strings.Repeat("a", MaxTextMessage), nil},
		{"over limit", strings.Repeat("a", MaxTextMessage+1), ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateText(tt.text)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateText() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateText() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrame(t *testing.T) {
	if err := ValidateFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("ValidateFrame(nil) = %v, want ErrMessageEmpty", err)
	}
	if err := ValidateFrame(make([]byte, MaxFrame)); err != nil {
		t.Errorf("ValidateFrame(max) = %v, want nil", err)
	}
	if err := ValidateFrame(make([]byte, MaxFrame+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ValidateFrame(max+1) = %v, want ErrMessageTooLarge", err)
	}
	if err := ValidateFramePlaintext(make([]byte, MaxFramePlaintext+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ValidateFramePlaintext(max+1) = %v, want ErrMessageTooLarge", err)
	}
}

func TestValidateMessageSizeErrorContext(t *testing.T) {
	err := ValidateMessageSize(make([]byte, 10), 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "size 10 exceeds limit 5") {
		t.Errorf("error lacks size context: %v", err)
	}
}

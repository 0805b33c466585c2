package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalise(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{"defaults", PortOptions{}, PortOptions{230400, 8, 1, "N"}, false},
		{"explicit", PortOptions{115200, 7, 2, "even"}, PortOptions{115200, 7, 2, "E"}, false},
		{"odd lower", PortOptions{Parity: " o "}, PortOptions{230400, 8, 1, "O"}, false},
		{"bad data bits", PortOptions{DataBits: 9}, PortOptions{}, true},
		{"bad stop bits", PortOptions{StopBits: 3}, PortOptions{}, true},
		{"bad parity", PortOptions{Parity: "mark"}, PortOptions{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalise()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalise() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalise() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalise() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 230400 || mode.DataBits != 8 {
		t.Errorf("mode = %+v", mode)
	}
	if mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("mode parity/stop = %v/%v, want none/one", mode.Parity, mode.StopBits)
	}

	mode, err = PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.Parity != serial.OddParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("mode parity/stop = %v/%v, want odd/two", mode.Parity, mode.StopBits)
	}

	if _, err := (PortOptions{DataBits: 4}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}

func TestPortOptions_String(t *testing.T) {
	opts, _ := PortOptions{}.Normalise()
	if got := opts.String(); got != "230400 8N1" {
		t.Errorf("String() = %q, want %q", got, "230400 8N1")
	}
}

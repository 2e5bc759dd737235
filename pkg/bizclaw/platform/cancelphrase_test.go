package platform

import "testing"

func TestIsCancelPhrase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"stop", true},
		{"Stop", true},
		{"STOP!", true},
		{"cancel", true},
		{"cancel that.", true},
		{"please stop", true},
		{"nevermind", true},
		{"/cancel", true},
		{"/stop", true},
		{"@bizclaw stop", true},

		// Other languages.
		{"pare", true},
		{"cancela", true},
		{"detente", true},
		{"arrête", true},
		{"abbrechen", true},
		{"停止", true},
		{"取消", true},
		{"やめて", true},
		{"стоп", true},
		{"توقف", true},
		{"रुको", true},

		// Normal messages must never cancel.
		{"", false},
		{"hello", false},
		{"stop by the store and buy milk", false},
		{"can you cancel my 3pm meeting", false},
		{"what does stop mean", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := IsCancelPhrase(tt.input); got != tt.want {
				t.Errorf("IsCancelPhrase(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseConfirmation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		approve bool
		ok      bool
	}{
		{"yes", true, true},
		{"Yes!", true, true},
		{"y", true, true},
		{"ok", true, true},
		{"go ahead", true, true},
		{"sim", true, true},
		{"oui", true, true},
		{"no", false, true},
		{"Nope.", false, true},
		{"não", false, true},
		{"nein", false, true},
		{"maybe", false, false},
		{"yes but only if it's cheap", false, false},
		{"", false, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			approve, ok := ParseConfirmation(tt.input)
			if approve != tt.approve || ok != tt.ok {
				t.Errorf("ParseConfirmation(%q) = (%v, %v), want (%v, %v)",
					tt.input, approve, ok, tt.approve, tt.ok)
			}
		})
	}
}

package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateArg(t *testing.T) {
	for _, ok := range []string{"BRCA1", "human", "NM_000001", "NM_000001.3", "tp53-as1"} {
		if err := ValidateArg(ok); err != nil {
			t.Errorf("ValidateArg(%q): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{
		"", "-rf", "BRCA1; rm -rf /", "$(id)", "`id`", "a|b", "a&b", "a>b",
		"a b", "a\nb", "../etc", "ge'ne", `ge"ne`, "x*", "{a,b}", strings.Repeat("a", MaxArgLen+1),
	} {
		err := ValidateArg(bad)
		if !errors.Is(err, ErrUnsafeArg) {
			t.Errorf("ValidateArg(%q) = %v, want ErrUnsafeArg", bad, err)
		}
	}
}

// Every byte accepted by ValidateArg must be free of shell meaning.
func TestValidateArg_AlphabetHasNoShellMeta(t *testing.T) {
	for b := 0; b < 256; b++ {
		s := "a" + string(rune(b))
		if ValidateArg(s) == nil && HasShellMeta(s) {
			t.Fatalf("byte %q accepted but is a shell metacharacter", rune(b))
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "''"},
		{"plain", "plain"},
		{"two words", "'two words'"},
		{"it's", `'it'"'"'s'`},
		{"$(id)", "'$(id)'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuoteCommand(t *testing.T) {
	got := QuoteCommand("perl", []string{"scripts/x.pl", "-g", "BRCA1; id"})
	want := "perl scripts/x.pl -g 'BRCA1; id'"
	if got != want {
		t.Fatalf("QuoteCommand = %q, want %q", got, want)
	}
}

func TestContained(t *testing.T) {
	tests := []struct {
		base, p string
		want    string
		wantErr bool
	}{
		{"/out", "/out/NM_000001.svg", "/out/NM_000001.svg", false},
		{"/out", "NM_000001.svg", "/out/NM_000001.svg", false},
		{"/out", "/out/../etc/passwd", "", true},
		{"/out", "/outside/x.svg", "", true},
		{"/out", "/outx/x.svg", "", true},
		{"", "/anywhere/x.svg", "/anywhere/x.svg", false},
	}
	for _, tt := range tests {
		got, err := Contained(tt.base, tt.p)
		if (err != nil) != tt.wantErr {
			t.Errorf("Contained(%q, %q) error=%v, wantErr=%v", tt.base, tt.p, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Contained(%q, %q) = %q, want %q", tt.base, tt.p, got, tt.want)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

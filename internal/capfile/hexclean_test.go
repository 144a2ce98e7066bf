package capfile

import (
	"errors"
	"testing"
)

func TestCleanHex(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "plain hex",
			input: "decaffed",
			want:  "decaffed",
		},
		{
			name:  "uppercase is lowered",
			input: "DECAFFED",
			want:  "decaffed",
		},
		{
			name:  "separators removed",
			input: "de ca|ff,ed\t01\n02",
			want:  "decaffed0102",
		},
		{
			name:  "round comment removed",
			input: "01(tag)000f(size)",
			want:  "01000f",
		},
		{
			name:  "square comment removed",
			input: "01[tag]000f[size]",
			want:  "01000f",
		},
		{
			name:  "angle annotation removed with delimiters",
			input: "01<AID Len>05<AID>5555555555",
			want:  "01055555555555",
		},
		{
			name:  "comment nested in angle group",
			input: "0102040001<(old)4444444444>055555555555",
			want:  "0102040001055555555555",
		},
		{
			name:  "annotated header edit",
			input: "01 000f decaffed 0102040001 <AID Len>05 <patched AID>5555555555",
			want:  "01000fdecaffed0102040001055555555555",
		},
		{
			name:  "empty input",
			input: "",
			want:  "",
		},
		{
			name:  "annotations only",
			input: "(nothing) [here] <or there>",
			want:  "",
		},
		{
			name:    "odd digit count",
			input:   "abc",
			wantErr: true,
		},
		{
			name:    "non-hex character",
			input:   "0g",
			wantErr: true,
		},
		{
			name:    "unterminated comment",
			input:   "01(oops",
			wantErr: true,
		},
		{
			name:    "unterminated square group",
			input:   "01[oops",
			wantErr: true,
		},
		{
			name:    "unterminated angle group",
			input:   "01<oops",
			wantErr: true,
		},
		{
			name:    "stray closing angle",
			input:   "01>02",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanHex(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CleanHex(%q) = %q, wanted error", tt.input, got)
				}
				if !errors.Is(err, ErrMalformedHex) {
					t.Errorf("error = %v, want ErrMalformedHex", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanHex(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("CleanHex(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Normalization must not care how an edit is decorated: every variant
// carries the same literal hex and differs only in annotations and
// separators.
func TestCleanHexAnnotationInvariance(t *testing.T) {
	variants := []string{
		"01000fdecaffed0102040001055555555555",
		"01 000f decaffed 0102040001 05 5555555555",
		"01|000f|decaffed|0102040001|05|5555555555",
		"01,000f,decaffed,0102040001,05,5555555555",
		"(tag)01(size)000f(magic)decaffed[version+flags]0102040001[AID len]05[AID]5555555555",
		"01 000f decaffed 0102040001 <was 05>05 <was 4444444444>5555555555",
		"<edited below>01000fdecaffed0102040001 05,5555555555",
	}
	want, err := CleanHex(variants[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range variants[1:] {
		got, err := CleanHex(v)
		if err != nil {
			t.Errorf("CleanHex(%q) failed: %v", v, err)
			continue
		}
		if got != want {
			t.Errorf("CleanHex(%q) = %q, want %q", v, got, want)
		}
	}
}

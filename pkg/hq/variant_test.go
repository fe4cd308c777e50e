package hq

import (
	"testing"
)

func TestParseVariant(t *testing.T) {
	tests := []struct {
		alpn    string
		want    Variant
		wantErr bool
	}{
		{ALPNH1QV1, VariantH1QV1, false},
		{ALPNH1QV2, VariantH1QV2, false},
		{ALPNH3, VariantH3, false},
		{"h2", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.alpn, func(t *testing.T) {
			got, err := ParseVariant(tt.alpn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVariant(%q) error = %v, wantErr %v", tt.alpn, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
			if !tt.wantErr && got.String() != tt.alpn {
				t.Errorf("Expected String() %q, got %q", tt.alpn, got.String())
			}
		})
	}
}

func TestVariant_TextRoundTrip(t *testing.T) {
	for _, v := range allVariants {
		b, err := v.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var got Variant
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", b, err)
		}
		if got != v {
			t.Errorf("Expected %s, got %s", v, got)
		}
	}
}

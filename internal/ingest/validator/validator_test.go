package validator

import (
	"errors"
	"testing"
)

func TestValidateUpload(t *testing.T) {
	allowed := []string{".pdf", ".txt"}
	tests := []struct {
		name     string
		fileName string
		size     int64
		wantErr  bool
	}{
		{"valid pdf", "paper.pdf", 1024, false},
		{"valid txt uppercase ext", "notes.TXT", 10, false},
		{"empty name", "", 10, true},
		{"disallowed type", "script.exe", 10, true},
		{"no extension", "README", 10, true},
		{"empty content", "paper.pdf", 0, true},
		{"oversized", "paper.pdf", 2 << 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.fileName, tt.size, 1<<20, allowed)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUpload(%q, %d) error = %v, wantErr %v", tt.fileName, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidationErrorFields(t *testing.T) {
	err := ValidateUpload("", 0, 1<<20, []string{".pdf"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("got %T, want *ValidationError", err)
	}
	if _, ok := vErr.Fields["name"]; !ok {
		t.Error("missing name field error")
	}
	if _, ok := vErr.Fields["content"]; !ok {
		t.Error("missing content field error")
	}
}

func TestValidateUploadNoTypeRestriction(t *testing.T) {
	if err := ValidateUpload("anything.bin", 10, 0, nil); err != nil {
		t.Errorf("unrestricted config rejected upload: %v", err)
	}
}

package envelope

import (
	"errors"
	"testing"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/uri"
)

func TestVersionPolicy_Check(t *testing.T) {
	tests := []struct {
		name    string
		current string
		accept  string
		version string
		wantErr bool
	}{
		{"empty version accepted", "1.0.0", "^1.0.0", "", false},
		{"caret match", "1.0.0", "^1.0.0", "1.4.2", false},
		{"caret mismatch", "1.0.0", "^1.0.0", "2.0.0", true},
		{"major only", "1.2.0", "1", "1.9.9", false},
		{"major only mismatch", "1.2.0", "1", "0.9.0", true},
		{"default to current major", "2.1.0", "", "2.0.0", false},
		{"default rejects other major", "2.1.0", "", "3.0.0", true},
		{"malformed", "1.0.0", "^1.0.0", "one", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewVersionPolicy(tt.current, tt.accept)
			if err != nil {
				t.Fatalf("envelope:version_test - NewVersionPolicy: %v", err)
			}
			err = p.Check(tt.version)
			if tt.wantErr {
				if !errors.Is(err, rpcerr.ErrUnsupportedVersion) {
					t.Errorf("envelope:version_test - Check(%q) = %v, want UNSUPPORTED_VERSION", tt.version, err)
				}
				return
			}
			if err != nil {
				t.Errorf("envelope:version_test - Check(%q) unexpected error: %v", tt.version, err)
			}
		})
	}
}

func TestVersionPolicy_InvalidInputs(t *testing.T) {
	if _, err := NewVersionPolicy("x.y", ""); err == nil {
		t.Error("envelope:version_test - expected error for invalid current version")
	}
	if _, err := NewVersionPolicy("1.0.0", "abc"); err == nil {
		t.Error("envelope:version_test - expected error for invalid constraint")
	}
}

func TestVersionPolicy_Stamp(t *testing.T) {
	p, err := NewVersionPolicy("1.3.0", "")
	if err != nil {
		t.Fatalf("envelope:version_test - NewVersionPolicy: %v", err)
	}
	env := NewRequest(GET, uri.MustParse("/"))
	p.Stamp(env)
	if env.Header.ProtocolVersion != "1.3.0" {
		t.Errorf("envelope:version_test - ProtocolVersion = %q", env.Header.ProtocolVersion)
	}
	env.Header.ProtocolVersion = "1.0.0"
	p.Stamp(env)
	if env.Header.ProtocolVersion != "1.0.0" {
		t.Error("envelope:version_test - Stamp must not overwrite an existing version")
	}
}

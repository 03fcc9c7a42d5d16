package main

import (
	"testing"
)

func TestOIDFlag(t *testing.T) {
	var oids oidFlag
	if err := oids.Set("2.5.29.30"); err != nil {
		t.Errorf("Expected a dotted-decimal OID to be accepted, got: %s", err.Error())
	}
	if err := oids.Set("2.5.29.17"); err != nil {
		t.Errorf("Expected a second OID to be accepted, got: %s", err.Error())
	}
	if err := oids.Set("not.an.oid"); err == nil {
		t.Error("Expected a malformed OID to be rejected")
	}
	if err := oids.Set("2"); err == nil {
		t.Error("Expected a single arc OID to be rejected")
	}
	if got := oids.String(); got != "2.5.29.30,2.5.29.17" {
		t.Errorf("Expected the accepted OIDs joined by commas, got %q", got)
	}
}

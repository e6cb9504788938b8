package sandbox

import "testing"

func TestNetworkPolicyAllowsHost(t *testing.T) {
	policy := NetworkPolicy{
		AllowedHosts: []string{"api.example.com", "*.internal.example.com"},
		BlockedHosts: []string{"secrets.internal.example.com"},
	}

	tests := []struct {
		host string
		want bool
	}{
		{"api.example.com", true},
		{"cache.internal.example.com", true},
		{"secrets.internal.example.com", false}, // block wins over allow
		{"evil.example.com", false},
		{"API.EXAMPLE.COM", true},
		{"localhost", false},
		{"127.0.0.1", false},
	}
	for _, tt := range tests {
		if got := policy.AllowsHost(tt.host); got != tt.want {
			t.Errorf("AllowsHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestNetworkPolicyLocalhost(t *testing.T) {
	policy := NetworkPolicy{
		AllowedHosts:   []string{"*"},
		AllowLocalhost: true,
	}
	if !policy.AllowsHost("localhost") {
		t.Error("localhost should be allowed when opted in")
	}

	policy.AllowLocalhost = false
	if policy.AllowsHost("localhost") {
		t.Error("localhost must be denied by default even with a wildcard allow")
	}
}

func TestNetworkPolicyEmptyDeniesAll(t *testing.T) {
	var policy NetworkPolicy
	if policy.AllowsHost("api.example.com") {
		t.Error("empty policy must deny everything")
	}
}

func TestNetworkPolicyValidate(t *testing.T) {
	good := NetworkPolicy{AllowedHosts: []string{"*.example.com"}}
	if err := good.Validate(); err != nil {
		t.Errorf("valid policy = %v", err)
	}

	bad := NetworkPolicy{AllowedHosts: []string{"["}}
	if err := bad.Validate(); err == nil {
		t.Error("invalid pattern should fail validation")
	}

	badCA := NetworkPolicy{RootCAs: []byte("not pem")}
	if err := badCA.Validate(); err == nil {
		t.Error("invalid CA bundle should fail validation")
	}
}

func TestNetworkPolicyCertPool(t *testing.T) {
	var empty NetworkPolicy
	pool, err := empty.CertPool()
	if err != nil || pool != nil {
		t.Errorf("empty bundle = (%v, %v), want (nil, nil)", pool, err)
	}
}

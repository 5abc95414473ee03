package sshopt

import (
	"strings"
	"testing"
)

func TestParseDestination(t *testing.T) {
	cases := []struct {
		in               string
		user, host, port string
	}{
		{"web1", "", "web1", ""},
		{"web1:2222", "", "web1", "2222"},
		{"alice@web1", "alice", "web1", ""},
		{"alice@web1:2222", "alice", "web1", "2222"},
		{"ssh://alice@web1:2222", "alice", "web1", "2222"},
		{"fe80::1", "", "fe80::1", ""},
		{"[fe80::1]:2222", "", "fe80::1", "2222"},
		{"bob@[fe80::1]:22", "bob", "fe80::1", "22"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			user, host, port := ParseDestination(tc.in)
			if user != tc.user || host != tc.host || port != tc.port {
				t.Errorf("ParseDestination(%q) = (%q,%q,%q), want (%q,%q,%q)",
					tc.in, user, host, port, tc.user, tc.host, tc.port)
			}
		})
	}
}

func TestChainPriority(t *testing.T) {
	cfg := Load(
		map[string]string{"ProxyCommand": "cmd /bin/echo"},
		map[string]string{"proxycommand": "rad /bin/echo", "connecttimeout": "5"},
		"", "")
	o := cfg.Options("web1")

	if got := o.Get("proxycommand"); got != "cmd /bin/echo" {
		t.Errorf("proxycommand = %q, want command-line value to shadow radssh config", got)
	}
	if got := o.Get("connecttimeout"); got != "5" {
		t.Errorf("connecttimeout = %q, want radssh value to shadow default", got)
	}
	if got := o.Get("port"); got != "22" {
		t.Errorf("port = %q, want built-in default", got)
	}
	// Connection-spec user/port override everything.
	o2 := cfg.Options("alice@web1:2200")
	if o2.User() != "alice" || o2.Port() != 2200 {
		t.Errorf("spec overrides lost: user=%q port=%d", o2.User(), o2.Port())
	}
}

func TestListModifierAppend(t *testing.T) {
	cfg := Load(nil,
		map[string]string{"hostkeyalgorithms": "+foo,bar,baz"},
		"", "")
	o := cfg.Options("web1")
	got := o.Get("hostkeyalgorithms")
	want := Defaults["hostkeyalgorithms"] + ",foo,bar,baz"
	if got != want {
		t.Errorf("hostkeyalgorithms = %q, want defaults plus appended entries", got)
	}
	// Appending an entry already present does not duplicate it.
	cfg2 := Load(nil, map[string]string{"hostkeyalgorithms": "+ssh-rsa,zzz"}, "", "")
	got2 := cfg2.Options("web1").Get("hostkeyalgorithms")
	count := 0
	for _, v := range strings.Split(got2, ",") {
		if v == "ssh-rsa" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("appending an existing entry duplicated it: %q", got2)
	}
	if !strings.HasSuffix(got2, ",zzz") {
		t.Errorf("new entry not appended in %q", got2)
	}
}

func TestListModifierRemove(t *testing.T) {
	cfg := Load(map[string]string{"pubkeyacceptedkeytypes": "-ecdsa*"}, nil, "", "")
	got := cfg.Options("web1").Get("pubkeyacceptedkeytypes")
	if strings.Contains(got, "ecdsa") {
		t.Errorf("ecdsa entries survived removal: %q", got)
	}
	if !strings.Contains(got, "ssh-ed25519") {
		t.Errorf("unrelated entries removed: %q", got)
	}
}

func TestListModifierPrepend(t *testing.T) {
	cfg := Load(map[string]string{"ciphers": "^aes256-ctr"}, nil, "", "")
	got := cfg.Options("web1").Get("ciphers")
	if !strings.HasPrefix(got, "aes256-ctr,") {
		t.Errorf("prepend did not move entry to front: %q", got)
	}
	if strings.Count(got, "aes256-ctr") != 1 {
		t.Errorf("prepended entry duplicated: %q", got)
	}
}

func TestPlainValueResetsList(t *testing.T) {
	cfg := Load(
		map[string]string{"kexalgorithms": "+top"},
		map[string]string{"kexalgorithms": "only-this,and-that"},
		"", "")
	got := cfg.Options("web1").Get("kexalgorithms")
	if got != "only-this,and-that,top" {
		t.Errorf("kexalgorithms = %q: lower plain value should reset, higher + appends", got)
	}
}

func TestCumulativeIdentityFiles(t *testing.T) {
	cfg := Load(
		map[string]string{"identityfile": "~/.ssh/cmdline_key"},
		map[string]string{"identityfile": "~/.ssh/rad_key1,~/.ssh/rad_key2"},
		"", "")
	files := cfg.Options("web1").IdentityFiles()
	want := []string{"~/.ssh/cmdline_key", "~/.ssh/rad_key1", "~/.ssh/rad_key2"}
	if len(files) != len(want) {
		t.Fatalf("identity files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("identity file %d = %q, want %q", i, files[i], want[i])
		}
	}

	// With no layer setting IdentityFile, the built-in default list
	// applies and certificate files derive from it.
	o := Load(nil, nil, "", "").Options("web1")
	if len(o.IdentityFiles()) != len(DefaultIdentityFiles) {
		t.Errorf("default identity files = %v", o.IdentityFiles())
	}
	certs := o.CertificateFiles()
	if len(certs) == 0 || !strings.HasSuffix(certs[0], "-cert.pub") {
		t.Errorf("certificate files = %v", certs)
	}
}

func TestUnrecognizedKeysFiltered(t *testing.T) {
	cfg := Load(map[string]string{"NotARealOption": "x", "Port": "2022"}, nil, "", "")
	o := cfg.Options("web1")
	if o.Get("notarealoption") != "" {
		t.Error("unrecognized option survived normalization")
	}
	if o.Port() != 2022 {
		t.Errorf("port = %d, want 2022", o.Port())
	}
}

func TestYesAndList(t *testing.T) {
	o := Load(nil, nil, "", "").Options("web1")
	if !o.Yes("tcpkeepalive") {
		t.Error("tcpkeepalive default should read as yes")
	}
	auths := o.List("preferredauthentications")
	if len(auths) != 5 || auths[2] != "publickey" {
		t.Errorf("preferredauthentications = %v", auths)
	}
}

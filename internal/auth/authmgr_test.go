package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"radssh/internal/sshopt"
)

func writeEd25519Key(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(p, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFilterMatching(t *testing.T) {
	cases := []struct {
		filter Filter
		peer   Peer
		want   bool
	}{
		{"", Peer{Name: "web1", Addr: "10.0.0.1"}, true},
		{"*", Peer{Name: "web1", Addr: "10.0.0.1"}, true},
		{"10.0.0.0/24", Peer{Name: "web1", Addr: "10.0.0.7"}, true},
		{"10.0.0.0/24", Peer{Name: "web1", Addr: "10.0.1.7"}, false},
		{"192.168.*.1", Peer{Name: "web1", Addr: "192.168.44.1"}, true},
		{"192.168.*.1", Peer{Name: "web1", Addr: "192.168.44.2"}, false},
		{"web*", Peer{Name: "web7", Addr: "10.0.0.1"}, true},
		{"web*", Peer{Name: "db1", Addr: "10.0.0.1"}, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.filter)+"/"+tc.peer.Name, func(t *testing.T) {
			if got := tc.filter.Matches(tc.peer); got != tc.want {
				t.Errorf("Filter(%q).Matches(%v) = %v, want %v", tc.filter, tc.peer, got, tc.want)
			}
		})
	}
}

func TestReadAuthFile(t *testing.T) {
	keyPath := writeEd25519Key(t)
	rsaPath, _ := writeRSAKey(t)
	d := NewDecryptor(rsaPath, nil)
	ciphertext, err := d.Encrypt([]byte("vaulted"))
	if err != nil {
		t.Fatal(err)
	}

	authfile := filepath.Join(t.TempDir(), "authfile")
	content := strings.Join([]string{
		"# comment",
		"",
		"bare-password",
		"password|filtered-secret",
		"password|10.0.0.0/8|subnet-secret",
		fmt.Sprintf("PKCSOAEP|vault*|%s", base64.StdEncoding.EncodeToString(ciphertext)),
		fmt.Sprintf("keyfile|web*|%s", keyPath),
		fmt.Sprintf("keyfile|%s", filepath.Join(t.TempDir(), "missing-key")),
		"frobnicate|unsupported-type",
	}, "\n")
	if err := os.WriteFile(authfile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	am := New("tester", Options{AuthFile: authfile, DecryptKeyPath: rsaPath})

	// bare-password and the unfiltered "password|" line each become the
	// universal default (last writer wins); the filtered entries stack.
	if am.PasswordCount() != 2 {
		t.Errorf("filtered password count = %d, want 2 (subnet + encrypted)", am.PasswordCount())
	}
	if am.KeyCount() != 1 {
		t.Errorf("key count = %d, want only the existing key file", am.KeyCount())
	}
	universal := am.CachedPassword("")
	if universal == nil {
		t.Fatal("no universal default password")
	}
	if pw, _ := universal.Reveal(); pw != "filtered-secret" {
		t.Errorf("universal password = %q, want the last unfiltered entry", pw)
	}

	// The encrypted credential decrypts on first use for a matching peer.
	candidates := am.passwordCandidates(Peer{Name: "vault1", Addr: "172.16.0.9"})
	found := false
	for _, pw := range candidates {
		if v, err := pw.Reveal(); err == nil && v == "vaulted" {
			found = true
		}
	}
	if !found {
		t.Error("encrypted authfile password not usable for matching peer")
	}
}

func TestPasswordCandidateOrdering(t *testing.T) {
	am := New("tester", Options{})
	am.AddPassword(PlainPassword("subnet"), "10.0.0.0/8")
	am.AddPassword(PlainPassword("named"), "web*")
	am.AddPassword(PlainPassword("universal"), "")

	peer := Peer{Name: "web1", Addr: "10.0.0.5"}
	candidates := am.passwordCandidates(peer)
	var got []string
	for _, pw := range candidates {
		v, _ := pw.Reveal()
		got = append(got, v)
	}
	want := "subnet,named,universal"
	if strings.Join(got, ",") != want {
		t.Errorf("candidate order = %v, want %s", got, want)
	}

	// A non-matching peer only sees the universal default.
	other := am.passwordCandidates(Peer{Name: "db1", Addr: "192.168.0.1"})
	if len(other) != 1 {
		t.Errorf("non-matching peer got %d candidates, want 1", len(other))
	}
}

func TestAttemptSequenceAndCommit(t *testing.T) {
	prompts := []string{"typed-one", "typed-two"}
	am := New("tester", Options{Prompt: func(string) (string, error) {
		pw := prompts[0]
		prompts = prompts[1:]
		return pw, nil
	}})
	am.AddPassword(PlainPassword("stored"), "web*")

	opts := sshopt.Load(map[string]string{"numberofpasswordprompts": "2"}, nil, "", "").Options("web1")
	peer := Peer{Name: "web1", Addr: "10.0.0.5"}
	_, attempt := am.Methods(peer, opts)

	seq := []string{}
	for i := 0; i < 3; i++ {
		pw, err := attempt.nextPassword(peer.Name)
		if err != nil {
			t.Fatalf("nextPassword %d: %v", i, err)
		}
		seq = append(seq, pw)
	}
	if strings.Join(seq, ",") != "stored,typed-one,typed-two" {
		t.Errorf("sequence = %v", seq)
	}

	// Exhausted candidates repeat the last password a bounded number of
	// times (quirky servers re-requesting the password method).
	for i := 0; i < 3; i++ {
		pw, err := attempt.nextPassword(peer.Name)
		if err != nil {
			t.Fatalf("repeat %d: %v", i, err)
		}
		if pw != "typed-two" {
			t.Errorf("repeat %d = %q, want the last password", i, pw)
		}
	}
	if _, err := attempt.nextPassword(peer.Name); err == nil {
		t.Error("expected exhaustion after bounded repeats")
	}

	// Commit caches the working password for the user.
	attempt.Commit()
	cached := am.CachedPassword("tester")
	if cached == nil {
		t.Fatal("no cached password after commit")
	}
	if pw, _ := cached.Reveal(); pw != "typed-two" {
		t.Errorf("cached password = %q", pw)
	}

	// A later attempt for the same user tries the cached password
	// before prompting.
	_, attempt2 := am.Methods(peer, opts)
	var seq2 []string
	for i := 0; i < 2; i++ {
		pw, err := attempt2.nextPassword(peer.Name)
		if err != nil {
			t.Fatal(err)
		}
		seq2 = append(seq2, pw)
	}
	if seq2[1] != "typed-two" {
		t.Errorf("cached password not in second attempt's candidates: %v", seq2)
	}
}

func TestMethodsHonorsPreferredAuthentications(t *testing.T) {
	am := New("tester", Options{})
	am.AddPassword(PlainPassword("pw"), "")

	opts := sshopt.Load(map[string]string{
		"preferredauthentications": "password",
	}, nil, "", "").Options("web1")
	methods, _ := am.Methods(Peer{Name: "web1", Addr: "10.0.0.5"}, opts)
	if len(methods) != 1 {
		t.Errorf("expected only the password method, got %d methods", len(methods))
	}

	disabled := sshopt.Load(map[string]string{
		"preferredauthentications": "publickey,password",
		"passwordauthentication":   "no",
		"pubkeyauthentication":     "no",
	}, nil, "", "").Options("web1")
	methods, _ = am.Methods(Peer{Name: "web1", Addr: "10.0.0.5"}, disabled)
	if len(methods) != 0 {
		t.Errorf("expected no methods with both mechanisms disabled, got %d", len(methods))
	}
}

func TestKeyFileDeferredDecode(t *testing.T) {
	keyPath := writeEd25519Key(t)
	k := &KeyFile{Path: keyPath}
	signer, err := k.Signer(false)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Errorf("key type = %s", signer.PublicKey().Type())
	}
	// Same signer on second call (cached decode).
	again, err := k.Signer(false)
	if err != nil || again != signer {
		t.Error("decode not cached")
	}

	bad := &KeyFile{Path: filepath.Join(t.TempDir(), "absent")}
	if _, err := bad.Signer(false); err == nil {
		t.Error("missing key file accepted")
	}
	// Terminal error cached: still failing without re-reading.
	if _, err := bad.Signer(false); err == nil {
		t.Error("cached failure lost")
	}
}

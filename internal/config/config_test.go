package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	s := LoadDefaults()
	if s.Get("output_mode") != "stream" {
		t.Errorf("output_mode default = %q, want stream", s.Get("output_mode"))
	}
	if s.Int("max_threads", 0) != 120 {
		t.Errorf("max_threads default = %d, want 120", s.Int("max_threads", 0))
	}
	if s.Get("username") == "" {
		t.Error("username default not derived from environment")
	}
	if s.Get("character_encoding") != "UTF-8" {
		t.Errorf("character_encoding = %q", s.Get("character_encoding"))
	}
	forbidden := s.List("commands.forbidden")
	if len(forbidden) == 0 || forbidden[0] != "telnet" {
		t.Errorf("commands.forbidden = %v", forbidden)
	}
}

func TestParseReader(t *testing.T) {
	input := `
# a comment
key1=value1
key2 = spaced value
bogus line without equals
empty=
`
	s := ParseReader(strings.NewReader(input), "test")
	if s.Get("key1") != "value1" {
		t.Errorf("key1 = %q", s.Get("key1"))
	}
	if s.Get("key2") != "spaced value" {
		t.Errorf("key2 = %q (whitespace not trimmed)", s.Get("key2"))
	}
	if _, ok := s["bogus line without equals"]; ok {
		t.Error("malformed line was accepted")
	}
	if v, ok := s["empty"]; !ok || v != "" {
		t.Error("explicit empty value not preserved")
	}
}

func TestCommandLineSettings(t *testing.T) {
	settings, rest := CommandLineSettings([]string{
		"--quota.bytes=1000", "host1", "--output_mode=ordered", "host2", "--badflag",
	})
	if settings.Get("quota.bytes") != "1000" || settings.Get("output_mode") != "ordered" {
		t.Errorf("settings = %v", settings)
	}
	if len(rest) != 2 || rest[0] != "host1" || rest[1] != "host2" {
		t.Errorf("rest = %v", rest)
	}
	if _, ok := settings["badflag"]; ok {
		t.Error("--badflag without value was accepted")
	}
}

func TestObsoletedKeysDropped(t *testing.T) {
	s := Settings{"verbose": "on", "keep": "me"}
	checkObsoleted(s, "test")
	if _, ok := s["verbose"]; ok {
		t.Error("obsoleted key survived")
	}
	if s.Get("keep") != "me" {
		t.Error("unrelated key dropped")
	}
}

func TestAccessors(t *testing.T) {
	s := Settings{"n": "42", "f": "2.5", "bad": "xyz"}
	if s.Int("n", 0) != 42 || s.Int("missing", 7) != 7 || s.Int("bad", 9) != 9 {
		t.Error("Int accessor wrong")
	}
	if s.Float("f", 0) != 2.5 || s.Float("missing", 1.5) != 1.5 {
		t.Error("Float accessor wrong")
	}
}

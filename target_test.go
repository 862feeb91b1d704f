package irkd

import (
	"reflect"
	"testing"
)

func TestParseTarget(t *testing.T) {
	testCases := []struct {
		name string
		url  string
		want Target
	}{
		{"plain", "irc://chat.example.net/botwar", Target{"irc", "chat.example.net", 6667, "#botwar", "", ""}},
		{"tls", "ircs://chat.example.net/botwar", Target{"ircs", "chat.example.net", 6697, "#botwar", "", ""}},
		{"explicitPort", "irc://chat.example.net:6697/botwar", Target{"irc", "chat.example.net", 6697, "#botwar", "", ""}},
		{"hashPrefix", "irc://chat.example.net/#botwar", Target{"irc", "chat.example.net", 6667, "#botwar", "", ""}},
		{"ampPrefix", "irc://chat.example.net/&local", Target{"irc", "chat.example.net", 6667, "&local", "", ""}},
		{"caseFolded", "IRC://Chat.Example.NET/BotWar", Target{"irc", "chat.example.net", 6667, "#botwar", "", ""}},
		{"bareKey", "irc://chat.example.net/private?secret", Target{"irc", "chat.example.net", 6667, "#private", "secret", ""}},
		{"namedKey", "irc://chat.example.net/private?key=secret", Target{"irc", "chat.example.net", 6667, "#private", "secret", ""}},
		{"nickOverride", "irc://chat.example.net/ops?nick=deploybot", Target{"irc", "chat.example.net", 6667, "#ops", "", "deploybot"}},
		{"keyAndNick", "irc://chat.example.net/ops?key=s&nick=deploybot", Target{"irc", "chat.example.net", 6667, "#ops", "s", "deploybot"}},
		{"keyAfterHash", "irc://chat.example.net/#private?key=secret", Target{"irc", "chat.example.net", 6667, "#private", "secret", ""}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTarget(tc.url)
			if err != nil {
				t.Fatalf("ParseTarget(%q) failed: %v", tc.url, err)
			}
			if !reflect.DeepEqual(*got, tc.want) {
				t.Errorf("ParseTarget(%q) = %+v, but want %+v", tc.url, *got, tc.want)
			}
		})
	}
}

func TestParseTargetErrors(t *testing.T) {
	testCases := []struct {
		name string
		url  string
	}{
		{"noScheme", "chat.example.net/botwar"},
		{"badScheme", "http://chat.example.net/botwar"},
		{"noHost", "irc:///botwar"},
		{"noChannel", "irc://chat.example.net"},
		{"noChannelSlash", "irc://chat.example.net/"},
		{"badPort", "irc://chat.example.net:sixty/botwar"},
		{"portOutOfRange", "irc://chat.example.net:70000/botwar"},
		{"isnick", "irc://chat.example.net/somebody,isnick"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got, err := ParseTarget(tc.url); err == nil {
				t.Errorf("ParseTarget(%q) = %+v, but want an error", tc.url, got)
			}
		})
	}
}

func TestTargetCanonicalRoundTrip(t *testing.T) {
	urls := []string{
		"irc://chat.example.net/botwar",
		"IRCS://Chat.Example.NET:7000/#BotWar",
		"irc://chat.example.net/private?key=secret",
		"irc://chat.example.net/ops?key=s&nick=deploybot",
		"irc://chat.example.net/&local",
	}
	for _, u := range urls {
		parsed, err := ParseTarget(u)
		if err != nil {
			t.Fatalf("ParseTarget(%q) failed: %v", u, err)
		}
		reparsed, err := ParseTarget(parsed.String())
		if err != nil {
			t.Fatalf("ParseTarget(%q) failed: %v", parsed.String(), err)
		}
		if !reflect.DeepEqual(parsed, reparsed) {
			t.Errorf("round trip of %q: got %+v via %q, but want %+v", u, reparsed, parsed.String(), parsed)
		}
	}
}

func TestServerKeySharing(t *testing.T) {
	a, _ := ParseTarget("irc://chat.example.net/one?key=x")
	b, _ := ParseTarget("irc://chat.example.net:6667/two")
	if a.serverKey("nick") != b.serverKey("nick") {
		t.Errorf("same server, same nick: keys differ: %v vs %v", a.serverKey("nick"), b.serverKey("nick"))
	}

	c, _ := ParseTarget("irc://chat.example.net/one?nick=other")
	if a.serverKey("nick") == c.serverKey("nick") {
		t.Errorf("nick override must select a different server key")
	}

	d, _ := ParseTarget("ircs://chat.example.net:6667/one")
	if a.serverKey("nick") == d.serverKey("nick") {
		t.Errorf("TLS and plain connections must not share a key")
	}
}

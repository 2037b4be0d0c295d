package conv

import "testing"

func TestNormalizeSpeaker(t *testing.T) {
	cases := []struct {
		raw  string
		want Speaker
		ok   bool
	}{
		{"end_user", SpeakerEndUser, true},
		{"user", SpeakerEndUser, true},
		{"agent", SpeakerAgent, true},
		{"assistant", SpeakerAgent, true},
		{"dinurba", SpeakerAgent, true},
		{"annotation", SpeakerAnnotation, true},
		{"system", SpeakerAnnotation, true},
		{"superseded_end_user", SpeakerSupersededEndUser, true},
		{"user_omitido", SpeakerSupersededEndUser, true},
		{"bot", "", false},
		{"", "", false},
	}

	for _, c := range cases {
		got, ok := NormalizeSpeaker(c.raw)
		if ok != c.ok || got != c.want {
			t.Fatalf("NormalizeSpeaker(%q) = (%q, %v), want (%q, %v)", c.raw, got, ok, c.want, c.ok)
		}
	}
}

func TestBackendRole(t *testing.T) {
	if got := BackendRole(SpeakerEndUser); got != RoleRequester {
		t.Fatalf("end user role = %q, want %q", got, RoleRequester)
	}
	for _, s := range []Speaker{SpeakerAgent, SpeakerAnnotation, SpeakerSupersededEndUser} {
		if got := BackendRole(s); got != RoleAgent {
			t.Fatalf("role for %q = %q, want %q", s, got, RoleAgent)
		}
	}
}

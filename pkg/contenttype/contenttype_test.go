package contenttype

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"text/html; charset=utf-8":        "text/html",
		"Application/JSON":                "application/json",
		" text/plain ":                    "text/plain",
		"application/json;charset=utf-8":  "application/json",
		"":                                "",
	}

	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsText(t *testing.T) {
	textish := []string{
		"text/plain",
		"text/html; charset=utf-8",
		"application/json",
		"application/xml",
		"application/javascript",
		"application/x-www-form-urlencoded",
		"application/xhtml+xml",
		"application/ld+json",
		"application/manifest+json",
		"application/x-javascript",
		"application/vnd.api+json",
		"application/atom+xml",
		"application/weird+html",
		"application/custom+text",
	}
	for _, ct := range textish {
		if !IsText(ct) {
			t.Errorf("expected %q to be text", ct)
		}
	}

	binary := []string{
		"",
		"image/png",
		"application/octet-stream",
		"application/pdf",
		"video/mp4",
		"font/woff2",
	}
	for _, ct := range binary {
		if IsText(ct) {
			t.Errorf("expected %q to not be text", ct)
		}
	}
}

func TestIsJSON(t *testing.T) {
	jsonish := []string{
		"application/json",
		"application/json; charset=utf-8",
		"application/ld+json",
		"application/manifest+json",
		"application/vnd.api+json",
	}
	for _, ct := range jsonish {
		if !IsJSON(ct) {
			t.Errorf("expected %q to be JSON", ct)
		}
	}

	notJSON := []string{
		"",
		"text/plain",
		"text/json-ish",
		"application/xml",
		"application/javascript",
	}
	for _, ct := range notJSON {
		if IsJSON(ct) {
			t.Errorf("expected %q to not be JSON", ct)
		}
	}
}

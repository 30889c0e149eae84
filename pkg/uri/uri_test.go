package uri

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantPath   string
		wantQuery  string
		wantParams []Param
	}{
		{
			name:     "path only",
			raw:      "/users/12",
			wantPath: "/users/12",
		},
		{
			name:     "missing leading slash",
			raw:      "users/12",
			wantPath: "/users/12",
		},
		{
			name:      "ordered params with duplicates",
			raw:       "/x/owner?b=2&a=1&b=3",
			wantPath:  "/x/owner",
			wantQuery: "b=2&a=1&b=3",
			wantParams: []Param{
				{Name: "b", Value: "2"},
				{Name: "a", Value: "1"},
				{Name: "b", Value: "3"},
			},
		},
		{
			name:      "escaped values and bare names",
			raw:       "/search?q=hello+world&flag&mail=a%40b.c",
			wantPath:  "/search",
			wantQuery: "q=hello+world&flag&mail=a%40b.c",
			wantParams: []Param{
				{Name: "q", Value: "hello world"},
				{Name: "flag", Value: ""},
				{Name: "mail", Value: "a@b.c"},
			},
		},
		{
			name:     "empty query",
			raw:      "/x?",
			wantPath: "/x",
		},
		{
			name:       "fragment dropped",
			raw:        "/x?a=1#frag",
			wantPath:   "/x",
			wantQuery:  "a=1",
			wantParams: []Param{{Name: "a", Value: "1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("uri:uri_test - Parse(%q) error: %v", tt.raw, err)
			}
			if u.Path != tt.wantPath {
				t.Errorf("uri:uri_test - Path = %q, want %q", u.Path, tt.wantPath)
			}
			if u.Query != tt.wantQuery {
				t.Errorf("uri:uri_test - Query = %q, want %q", u.Query, tt.wantQuery)
			}
			if len(u.Params) != len(tt.wantParams) {
				t.Fatalf("uri:uri_test - Params = %v, want %v", u.Params, tt.wantParams)
			}
			for i := range u.Params {
				if u.Params[i] != tt.wantParams[i] {
					t.Errorf("uri:uri_test - Params[%d] = %v, want %v", i, u.Params[i], tt.wantParams[i])
				}
			}
		})
	}
}

func TestParse_InvalidEscape(t *testing.T) {
	if _, err := Parse("/x?a=%zz"); err == nil {
		t.Fatal("uri:uri_test - expected error for invalid escape")
	}
}

func TestGet_FirstMatchWins(t *testing.T) {
	u := MustParse("/x?id=1&ID=2&id=3")

	v, ok := u.Get("id")
	if !ok || v != "1" {
		t.Errorf("uri:uri_test - Get(id) = %q,%v want 1,true", v, ok)
	}
	v, ok = u.Get("ID")
	if !ok || v != "2" {
		t.Errorf("uri:uri_test - Get(ID) = %q,%v want 2,true", v, ok)
	}
	v, ok = u.GetFold("Id")
	if !ok || v != "1" {
		t.Errorf("uri:uri_test - GetFold(Id) = %q,%v want 1,true", v, ok)
	}
	if _, ok := u.Get("missing"); ok {
		t.Error("uri:uri_test - Get(missing) should report false")
	}
}

func TestSegments(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/", nil},
		{"/a", []string{"a"}},
		{"/a/b/", []string{"a", "b"}},
		{"/1212212/devices/2323434", []string{"1212212", "devices", "2323434"}},
		{"/a//b", []string{"a", "", "b"}},
		{"/u/j%C3%B6hn", []string{"u", "jöhn"}},
		{"/u/jöhn", []string{"u", "jöhn"}},
		{"/u/100%", []string{"u", "100%"}},
	}
	for _, tt := range tests {
		got := MustParse(tt.path).Segments()
		if len(got) != len(tt.want) {
			t.Errorf("uri:uri_test - Segments(%q) = %v, want %v", tt.path, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("uri:uri_test - Segments(%q)[%d] = %q, want %q", tt.path, i, got[i], tt.want[i])
			}
		}
	}
}

func TestNamesAreLowerCased(t *testing.T) {
	names := MustParse("/x?Owner=1&LIMIT=2").Names()
	for _, n := range []string{"owner", "limit"} {
		if _, ok := names[n]; !ok {
			t.Errorf("uri:uri_test - Names() missing %q: %v", n, names)
		}
	}
}

func TestString(t *testing.T) {
	if got := MustParse("/a/b?x=1&y=2").String(); got != "/a/b?x=1&y=2" {
		t.Errorf("uri:uri_test - String() = %q", got)
	}
	if got := MustParse("/a").With("q", "a b").String(); got != "/a?q=a+b" {
		t.Errorf("uri:uri_test - With().String() = %q", got)
	}
}

package ehparse

import (
	"errors"
	"testing"
)

const detailHTML = `<table><tr><td class="gdt1">Length:</td><td class="gdt2">1,204 pages</td></tr></table>
<table class="ptt"><tr><td class="ptdd">&lt;</td><td class="ptds"><a href="x">1</a></td>
<td onclick="x"><a href="y">31</a></td><td onclick="x"><a href="z">&gt;</a></td></tr></table>
<div class="gdtm"><a href="https://h.test/s/0123456789/42-1"><img alt="1"></a></div>
<div class="gdtm"><a href="https://h.test/s/abcdef0123/42-2"><img alt="2"></a></div>
<div class="gdtm"><a href="https://h.test/s/abcdef0123/42-2"><img alt="2"></a></div>
<div class="gdtm"><a href="https://h.test/s/fedcba9876/42-40"><img alt="40"></a></div>`

func TestParseDetail(t *testing.T) {
	d, err := Parser{}.ParseDetail(detailHTML)
	if err != nil {
		t.Fatalf("ParseDetail: %v", err)
	}
	if d.Pages != 1204 {
		t.Errorf("expected 1204 pages, got %d", d.Pages)
	}
	if d.PreviewPages != 31 {
		t.Errorf("expected 31 preview pages, got %d", d.PreviewPages)
	}
	want := []Preview{{0, "0123456789"}, {1, "abcdef0123"}, {39, "fedcba9876"}}
	if len(d.Previews) != len(want) {
		t.Fatalf("expected %d previews, got %+v", len(want), d.Previews)
	}
	for i := range want {
		if d.Previews[i] != want[i] {
			t.Errorf("preview %d: expected %+v, got %+v", i, want[i], d.Previews[i])
		}
	}
}

func TestParseDetail_Errors(t *testing.T) {
	_, err := Parser{}.ParseDetail("<html>nothing here</html>")
	if !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}

	d, err := Parser{}.ParseDetail(`Length:</td><td>1 page</td>`)
	if err != nil {
		t.Fatalf("single page: %v", err)
	}
	if d.Pages != 1 || d.PreviewPages != 1 {
		t.Errorf("expected 1/1, got %d/%d", d.Pages, d.PreviewPages)
	}
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Page
	}{
		{
			name: "id attribute with skip key and original",
			body: `<img id="img" src="https://i.test/a/b.jpg?x=1&amp;y=2" style="x">
<a href="#" id="loadfail" onclick="return nl('12345-678')">Reload</a>
<a href="https://h.test/fullimg/42/1/key/b.jpg">Download original</a>`,
			want: Page{
				ImageURL:       "https://i.test/a/b.jpg?x=1&y=2",
				OriginImageURL: "https://h.test/fullimg/42/1/key/b.jpg",
				SkipHathKey:    "12345-678",
			},
		},
		{
			name: "style fallback",
			body: `<img src="https://i.test/c.png" style="height:1px">`,
			want: Page{ImageURL: "https://i.test/c.png"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parser{}.ParsePage(tt.body)
			if err != nil {
				t.Fatalf("ParsePage: %v", err)
			}
			if *got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, *got)
			}
		})
	}

	if _, err := (Parser{}).ParsePage("<p>no image</p>"); !errors.Is(err, ErrParse) {
		t.Errorf("expected ErrParse, got %v", err)
	}
}

func TestParsePageURL(t *testing.T) {
	got, ok := ParsePageURL("https://h.test/s/0123456789/42-3?nl=1")
	if !ok {
		t.Fatal("expected a match")
	}
	if got != (PageURL{GID: 42, Index: 2, PToken: "0123456789"}) {
		t.Errorf("unexpected %+v", got)
	}

	for _, bad := range []string{"https://h.test/g/42/abc/", "/s/XYZ/42-1", "/s/0123456789/42-0"} {
		if _, ok := ParsePageURL(bad); ok {
			t.Errorf("expected no match for %q", bad)
		}
	}
}

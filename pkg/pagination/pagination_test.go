package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=-3&offset=-7", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(contextWithQuery(tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("unexpected HasNext")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("unexpected HasPrevious")
	}
	if p.NextOffset() != 15 || p.PreviousOffset() != 0 {
		t.Errorf("unexpected offsets next=%d prev=%d", p.NextOffset(), p.PreviousOffset())
	}
}

func TestParams_Links(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	links := p.Links("/api/v1/incidents", 35)
	want := map[string]string{
		"self":     "/api/v1/incidents?limit=10&offset=10",
		"next":     "/api/v1/incidents?limit=10&offset=20",
		"previous": "/api/v1/incidents?limit=10&offset=0",
	}
	if len(links) != len(want) {
		t.Fatalf("expected %d links, got %d", len(want), len(links))
	}
	for _, l := range links {
		if want[l.Relation] != l.URL {
			t.Errorf("%s: got %s, want %s", l.Relation, l.URL, want[l.Relation])
		}
	}

	first := Params{Limit: 10}.Links("/x", 5)
	if len(first) != 1 || first[0].Relation != "self" {
		t.Fatalf("expected only self link on a single page, got %+v", first)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 12, Params{Limit: 2, Offset: 0}, "/x")
	if !r.HasMore || r.Total != 12 || r.Limit != 2 {
		t.Fatalf("unexpected response %+v", r)
	}
}

package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/messages"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("")
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor("?limit=10&offset=30")
	if p.Limit != 10 || p.Offset != 30 {
		t.Fatalf("expected 10/30, got %+v", p)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	if p := paramsFor("?limit=5000"); p.Limit != MaxLimit {
		t.Fatalf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	if p := paramsFor("?offset=-4"); p.Offset != 0 {
		t.Fatalf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a"}, 25, 10, 10)
	if !r.HasMore {
		t.Error("expected more after 10+10 of 25")
	}
	r = NewResponse([]string{"a"}, 25, 10, 20)
	if r.HasMore {
		t.Error("expected no more after 20+10 of 25")
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if p.NextOffset() != 60 {
		t.Errorf("expected 60, got %d", p.NextOffset())
	}
	if !p.HasNext(61) || p.HasNext(60) {
		t.Error("unexpected HasNext result")
	}
}

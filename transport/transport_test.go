package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/colcon-tools/distrocache"
)

type fakeGetter struct {
	repos []*distrocache.Repository
	err   error
}

func (f *fakeGetter) GetSet(ctx context.Context, dist, ref string) ([]*distrocache.Repository, error) {
	return f.repos, f.err
}

func sampleRepo() *distrocache.Repository {
	r := distrocache.NewRepository("roscpp_core", "git", "https://github.com/ros/roscpp_core", "deadbeef")
	r.SetPackages([]*distrocache.Package{distrocache.NewPackage("roscpp", "roscpp", "ament_cmake")})
	return r
}

func TestGetJSON(t *testing.T) {
	h := NewHandler(&fakeGetter{repos: []*distrocache.Repository{sampleRepo()}}, "https://github.com/ros/rosdistro", nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/get/noetic/master.json", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("content-type"); ct != "application/json" {
		t.Fatalf("content-type = %s", ct)
	}
	if !containsAll(rr.Body.String(), `"roscpp_core"`, `"roscpp"`, `"noetic"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestGetYAMLSetsContentDisposition(t *testing.T) {
	h := NewHandler(&fakeGetter{repos: []*distrocache.Repository{sampleRepo()}}, "https://github.com/ros/rosdistro", nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/get/noetic/refs/heads/master.yaml", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	want := `attachment; filename=refs-heads-master.yaml`
	if got := rr.Header().Get("content-disposition"); got != want {
		t.Fatalf("content-disposition = %q, want %q", got, want)
	}
}

func TestGetUnknownDistroReturns404(t *testing.T) {
	h := NewHandler(&fakeGetter{err: &distrocache.Error{Kind: distrocache.ErrModel, Message: `unknown distro "bogus"`}}, "", nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/get/bogus/master.json", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != 404 {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestGetOtherErrorReturns500(t *testing.T) {
	h := NewHandler(&fakeGetter{err: &distrocache.Error{Kind: distrocache.ErrDownload, Message: "boom"}}, "", nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/get/noetic/master.json", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != 500 {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestGetBadPathReturns400(t *testing.T) {
	h := NewHandler(&fakeGetter{}, "", nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/get/noetic", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != 400 {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

//go:build integration

package tier1

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/schaermu/pacmirror/internal/sync"
	"github.com/schaermu/pacmirror/internal/testutil"
)

func TestEndToEnd_FreshMirror(t *testing.T) {
	mirror := NewMirror(t)
	pkgs := []testutil.Package{
		{Name: "bash", Version: "5.2-3", Payload: []byte("bash package payload")},
		{Name: "coreutils", Version: "9.4-1", Payload: []byte("coreutils package payload")},
	}
	mirror.PublishRepository("msys", "msys.db", pkgs)

	h := NewHarness(t)
	h.AddRepository("msys", mirror)

	reports := h.Run(context.Background(), sync.ModeSync)
	if len(reports) != 1 || reports[0].Failed() {
		t.Fatalf("pass failed: %+v", reports)
	}
	if reports[0].Fetched != 2 {
		t.Errorf("fetched = %d, want 2", reports[0].Fetched)
	}

	for _, p := range pkgs {
		got := h.ReadLive("msys", testutil.FileNameOf(p))
		if !bytes.Equal(got, p.Payload) {
			t.Errorf("%s: mirrored bytes differ from upstream", testutil.FileNameOf(p))
		}
	}
	if !h.FileExists("msys", "msys.db") {
		t.Error("database was not published")
	}
}

func TestEndToEnd_SecondPassIsNoop(t *testing.T) {
	mirror := NewMirror(t)
	mirror.PublishRepository("msys", "msys.db", []testutil.Package{
		{Name: "bash", Version: "5.2-3", Payload: []byte("bash package payload")},
	})

	h := NewHarness(t)
	h.AddRepository("msys", mirror)

	first := h.Run(context.Background(), sync.ModeSync)
	if first[0].Fetched != 1 {
		t.Fatalf("first pass fetched = %d, want 1", first[0].Fetched)
	}

	second := h.Run(context.Background(), sync.ModeSync)
	rep := second[0]
	if rep.Kept != 1 || rep.Fetched != 0 || rep.Archived != 0 || rep.Quarantined != 0 {
		t.Errorf("second pass not a no-op: %+v", rep)
	}
}

func TestEndToEnd_MirrorFailover(t *testing.T) {
	primary := NewMirror(t)
	secondary := NewMirror(t)

	pkgs := []testutil.Package{
		{Name: "bash", Version: "5.2-3", Payload: []byte("bash package payload")},
	}
	primary.SetDown(true)
	secondary.PublishRepository("msys", "msys.db", pkgs)

	h := NewHarness(t)
	h.AddRepository("msys", primary, secondary)

	reports := h.Run(context.Background(), sync.ModeSync)
	if reports[0].Failed() || reports[0].Fetched != 1 {
		t.Fatalf("failover pass: %+v", reports[0])
	}
	if len(primary.Requests()) == 0 {
		t.Error("primary mirror was never tried")
	}
}

func TestEndToEnd_UpstreamUpdate(t *testing.T) {
	mirror := NewMirror(t)
	oldPkg := testutil.Package{Name: "bash", Version: "5.2-3", Payload: []byte("old bash")}
	mirror.PublishRepository("msys", "msys.db", []testutil.Package{oldPkg})

	h := NewHarness(t)
	h.AddRepository("msys", mirror)

	h.Run(context.Background(), sync.ModeSync)

	newPkg := testutil.Package{Name: "bash", Version: "5.2-4", Payload: []byte("new bash")}
	mirror.PublishRepository("msys", "msys.db", []testutil.Package{newPkg})

	reports := h.Run(context.Background(), sync.ModeSync)
	rep := reports[0]
	if rep.Archived != 1 || rep.Fetched != 1 {
		t.Errorf("archived = %d, fetched = %d, want 1/1", rep.Archived, rep.Fetched)
	}
	if !h.FileExists("msys", "archive", testutil.FileNameOf(oldPkg)) {
		t.Error("superseded package missing from archive/")
	}
	if h.FileExists("msys", testutil.FileNameOf(oldPkg)) {
		t.Error("superseded package still live")
	}
	got := h.ReadLive("msys", testutil.FileNameOf(newPkg))
	if !bytes.Equal(got, newPkg.Payload) {
		t.Error("live package is not the updated version")
	}
}

func TestEndToEnd_CorruptUpstreamPayload(t *testing.T) {
	mirror := NewMirror(t)
	pkg := testutil.Package{Name: "bash", Version: "5.2-3", Payload: []byte("real payload")}
	mirror.PublishRepository("msys", "msys.db", []testutil.Package{pkg})
	// the mirror serves different bytes than the database promises
	mirror.Set("msys/"+testutil.FileNameOf(pkg), []byte("tampered data"))

	h := NewHarness(t)
	h.AddRepository("msys", mirror)

	reports := h.Run(context.Background(), sync.ModeSync)
	rep := reports[0]
	if rep.Failed() {
		t.Fatalf("verification failure must not fail the pass: %v", rep.Err)
	}
	if len(rep.PackageErrors) != 1 {
		t.Errorf("package errors = %v, want exactly one", rep.PackageErrors)
	}
	if h.FileExists("msys", testutil.FileNameOf(pkg)) {
		t.Error("unverified download became live")
	}
	if !h.FileExists("msys", "corrupt", testutil.FileNameOf(pkg)) {
		t.Error("rejected download missing from corrupt/")
	}
}

func TestEndToEnd_LocalVerify(t *testing.T) {
	mirror := NewMirror(t)
	pkg := testutil.Package{Name: "bash", Version: "5.2-3", Payload: []byte("real payload!")}
	mirror.PublishRepository("msys", "msys.db", []testutil.Package{pkg})

	h := NewHarness(t)
	h.AddRepository("msys", mirror)
	h.Run(context.Background(), sync.ModeSync)

	// bit rot: same size, different bytes
	name := testutil.FileNameOf(pkg)
	if err := os.WriteFile(h.LivePath("msys", name), []byte("rotten bytes!"), 0644); err != nil {
		t.Fatal(err)
	}

	reports := h.Run(context.Background(), sync.ModeLocal)
	rep := reports[0]
	if rep.Quarantined != 1 || rep.Missing != 1 {
		t.Errorf("quarantined = %d, missing = %d, want 1/1", rep.Quarantined, rep.Missing)
	}
	if !h.FileExists("msys", "corrupt", name) {
		t.Error("rotten file missing from corrupt/")
	}
	if h.FileExists("msys", name) {
		t.Error("rotten file still live")
	}
}

package wizard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/sitefinder/artifact"
	"github.com/hazyhaar/sitefinder/jobrun"
	"github.com/hazyhaar/sitefinder/syncbridge"
	"github.com/hazyhaar/sitefinder/viewreg"
)

const fixtureSVG = `<html><body>
<svg xmlns="http://www.w3.org/2000/svg" width="400" height="40">
  <script>function ClickTriangle(id) { parent.frames[1].Highlight(id) }</script>
  <polygon id="site1" onclick="ClickTriangle('site1')" points="0,0 5,10 10,0"/>
  <polygon id="site2" onclick="ClickTriangle('site2')" points="20,0 25,10 30,0"/>
  <rect id="background" width="400" height="40"/>
</svg>
</body></html>`

const fixtureTable = `<html><body><table>
  <tr><th>Site</th><th>Score</th></tr>
  <tr id="site1.table" onclick="ClickRow('site1')"><td>site1</td><td>0.91</td></tr>
  <tr id="site2.table" onclick="ClickRow('site2')"><td>site2</td><td>0.74</td></tr>
</table><script>alert(1)</script></body></html>`

// orphanSVG has a third site without a table row.
const orphanSVG = `<svg xmlns="http://www.w3.org/2000/svg">
  <polygon id="site1" onclick="ClickTriangle('site1')" points="0,0 5,10 10,0"/>
  <polygon id="site2" onclick="ClickTriangle('site2')" points="20,0 25,10 30,0"/>
  <polygon id="site7" onclick="ClickTriangle('site7')" points="40,0 45,10 50,0"/>
</svg>`

// sitesScript stands in for the site stage: it is called as
// "-r <refSeqId> -s <species>" and prints progress, then the diagram path.
const sitesScript = `touch "$MARKER"
case "$2" in
  NM_EMPTY) exit 0 ;;
  NM_FAIL) echo "partial output"; exit 3 ;;
  NM_OUTSIDE) echo "/etc/passwd"; exit 0 ;;
  NM_RELATIVE) echo "NM_000001.svg"; exit 0 ;;
  NM_SLOW) sleep 5 ;;
  NM_LATE) ( sleep 0.2; cp "$ROOT/NM_000001.svg" "$ROOT/NM_LATE.svg"; cp "$ROOT/NM_000001.svg.html" "$ROOT/NM_LATE.svg.html" ) >/dev/null 2>&1 & ;;
esac
echo "computing sites for $2"
echo "$ROOT/$2.svg"`

// transcriptsScript is called as "-g <gene> -s <species>".
const transcriptsScript = `touch "$MARKER"
case "$2" in
  BRCA1) printf 'NM_007294\nNM_007300\nNM_007297\n' ;;
  BROKEN) exit 1 ;;
esac`

type fixture struct {
	svc    *Service
	cfg    *Config
	root   string
	marker string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a Service whose pipeline stages are shell scripts writing
// into a temporary artifact root. mutate may adjust the config first.
func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "out")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "spawned")

	script := func(name, body string) string {
		p := filepath.Join(dir, name)
		head := "#!/bin/sh\nROOT='" + root + "'\nMARKER='" + marker + "'\n"
		if err := os.WriteFile(p, []byte(head+body+"\n"), 0o755); err != nil {
			t.Fatal(err)
		}
		return p
	}

	cfg := DefaultConfig()
	cfg.ArtifactRoot = root
	cfg.Stages = map[string]jobrun.Stage{
		jobrun.StageTranscripts: {
			Command: script("transcripts.sh", transcriptsScript),
			Args:    []string{"-g", "{gene}", "-s", "{species}"},
			Timeout: 10 * time.Second,
		},
		jobrun.StageSites: {
			Command: script("sites.sh", sitesScript),
			Args:    []string{"-r", "{refSeqId}", "-s", "{species}"},
			Timeout: 10 * time.Second,
		},
	}
	cfg.Wait.Interval = 20 * time.Millisecond
	cfg.Wait.Timeout = 3 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	writeArtifacts(t, root, "NM_000001", fixtureSVG, fixtureTable)
	writeArtifacts(t, root, "NM_ORPHAN", orphanSVG, fixtureTable)
	writeArtifacts(t, root, "NM_SLOW", fixtureSVG, fixtureTable)

	logger := discardLogger()
	iv := jobrun.New(cfg.Stages, jobrun.WithLogger(logger))
	waiter := artifact.New(artifact.Options{Policy: cfg.Wait.Policy(), Logger: logger})
	svc := New(cfg, iv, waiter, logger)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, cfg: cfg, root: root, marker: marker}
}

func writeArtifacts(t *testing.T, root, name, svg, table string) {
	t.Helper()
	diagram := filepath.Join(root, name+".svg")
	if err := os.WriteFile(diagram, []byte(svg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact.TableFor(diagram), []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) spawned() bool {
	_, err := os.Stat(f.marker)
	return err == nil
}

func siteRequest(refSeqID string) AnalysisRequest {
	r := NewAnalysisRequest()
	r.Species = "human"
	r.RefSeqID = refSeqID
	return r
}

// --- transcripts ---

func TestListTranscripts_KeepsPipelineOrder(t *testing.T) {
	f := newFixture(t, nil)
	req := NewAnalysisRequest()
	req.Species, req.Gene = "human", "BRCA1"

	got, err := f.svc.ListTranscripts(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"NM_007294", "NM_007300", "NM_007297"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, c := range got {
		if c.RefSeqID != want[i] {
			t.Fatalf("candidate %d: got %q, want %q", i, c.RefSeqID, want[i])
		}
	}
}

func TestListTranscripts_EmptyAndFailedLookups(t *testing.T) {
	f := newFixture(t, nil)
	for _, gene := range []string{"UNKNOWN", "BROKEN"} {
		req := NewAnalysisRequest()
		req.Species, req.Gene = "human", gene
		got, err := f.svc.ListTranscripts(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: %v", gene, err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("%s: got %v, want empty list", gene, got)
		}
	}
}

func TestListTranscripts_RejectsBeforeSpawn(t *testing.T) {
	f := newFixture(t, nil)
	req := NewAnalysisRequest()
	req.Species, req.Gene = "human", "BRCA1; rm -rf /"

	_, err := f.svc.ListTranscripts(context.Background(), req)
	if !jobrun.IsRejected(err) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if f.spawned() {
		t.Fatal("pipeline was spawned for rejected input")
	}
}

func TestListTranscripts_RequiresGene(t *testing.T) {
	f := newFixture(t, nil)
	req := NewAnalysisRequest()
	req.Species = "human"
	if _, err := f.svc.ListTranscripts(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

// --- analyze ---

func TestAnalyze_Ready(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != StatusReady {
		t.Fatalf("status = %s, want ready", v.Status())
	}
	if want := filepath.Join(f.root, "NM_000001.svg"); v.DiagramPath() != want {
		t.Fatalf("diagram path = %q, want last output line %q", v.DiagramPath(), want)
	}
	if ids := strings.Join(v.Index().IDs(), ","); ids != "site1,site2" {
		t.Fatalf("sites = %s", ids)
	}

	diagram, table, err := v.Documents()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(diagram), "<script") || strings.Contains(string(diagram), "onclick") {
		t.Fatalf("diagram not scrubbed: %s", diagram)
	}
	if !strings.Contains(string(diagram), `data-site="site1"`) {
		t.Fatalf("diagram sites not tagged: %s", diagram)
	}
	if !strings.Contains(string(table), `id="site2.table"`) || strings.Contains(string(table), "alert") {
		t.Fatalf("table not sanitized: %s", table)
	}
}

func TestAnalyze_ArtifactsWrittenAfterExit(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_LATE"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != StatusReady {
		t.Fatalf("status = %s, want ready", v.Status())
	}
}

func TestAnalyze_TimedOut(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Wait.Timeout = 200 * time.Millisecond
	})
	start := time.Now()
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_MISSING"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", v.Status())
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("wait not bounded: %s", elapsed)
	}
	if _, err := v.Toggle("site1", viewreg.PaneDiagram); !errors.Is(err, ErrNotReady) {
		t.Fatalf("toggle on timed-out view: %v", err)
	}
}

func TestAnalyze_NoOutputMeansNoSites(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_EMPTY"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != StatusNoSites {
		t.Fatalf("status = %s, want no_sites", v.Status())
	}
	if st := f.svc.waiter.Stats(); st.Checks != 0 {
		t.Fatalf("polled %d times without a declared artifact", st.Checks)
	}
}

func TestAnalyze_Failures(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"NM_FAIL", "NM_OUTSIDE"} {
		v, err := f.svc.Analyze(context.Background(), "sess-"+id, siteRequest(id))
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if v.Status() != StatusFailed {
			t.Fatalf("%s: status = %s, want failed", id, v.Status())
		}
	}
}

func TestAnalyze_RelativeArtifactFollowsStageDir(t *testing.T) {
	var root string
	f := newFixture(t, func(cfg *Config) {
		root, cfg.ArtifactRoot = cfg.ArtifactRoot, ""
		st := cfg.Stages[jobrun.StageSites]
		st.Dir = root
		cfg.Stages[jobrun.StageSites] = st
	})

	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_RELATIVE"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != StatusReady {
		t.Fatalf("status = %s, want ready", v.Status())
	}
	if want := filepath.Join(root, "NM_000001.svg"); v.DiagramPath() != want {
		t.Fatalf("diagram = %q, want %q", v.DiagramPath(), want)
	}
}

func TestLoadDocuments_StopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := newView("view_cancelled", "sess1", siteRequest("NM_000001"), func() {}, discardLogger())
	err := f.svc.loadDocuments(ctx, v, filepath.Join(f.root, "NM_000001.svg"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, _, err := v.Documents(); err == nil {
		t.Fatal("documents loaded after cancellation")
	}
}

func TestAnalyze_RejectsBeforeSpawn(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"NM_1;reboot", "$(id)", "NM 1", "../etc"} {
		_, err := f.svc.Analyze(context.Background(), "sess1", siteRequest(id))
		if !jobrun.IsRejected(err) {
			t.Fatalf("%q: err = %v, want rejection", id, err)
		}
	}
	if f.spawned() {
		t.Fatal("pipeline was spawned for rejected input")
	}
	if f.svc.Len() != 0 {
		t.Fatalf("rejected requests left %d views", f.svc.Len())
	}
}

func TestAnalyze_OrphanSiteStaysInDiagram(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_ORPHAN"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status() != StatusReady {
		t.Fatalf("status = %s", v.Status())
	}
	idx := v.Index()
	if !idx.IsOrphan("site7") {
		t.Fatalf("site7 should be an orphan, orphans = %v", idx.Orphans)
	}

	on, err := v.Toggle("site7", viewreg.PaneDiagram)
	if err != nil || !on {
		t.Fatalf("diagram toggle of orphan: on=%v err=%v", on, err)
	}
	if _, err := v.Toggle("site7", viewreg.PaneTable); !errors.Is(err, syncbridge.ErrUnknownSite) {
		t.Fatalf("table toggle of orphan: %v", err)
	}
	// Paired sites are unaffected.
	if on, err := v.Toggle("site1", viewreg.PaneTable); err != nil || !on {
		t.Fatalf("paired toggle: on=%v err=%v", on, err)
	}
}

func TestAnalyze_ResubmitSupersedesView(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Toggle("site1", viewreg.PaneDiagram); err != nil {
		t.Fatal(err)
	}

	second, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Status() != StatusClosed {
		t.Fatalf("first view status = %s, want closed", first.Status())
	}
	if _, err := f.svc.View("sess1", first.ID); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("superseded view still reachable: %v", err)
	}
	if _, err := first.Toggle("site1", viewreg.PaneDiagram); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("toggle on closed view: %v", err)
	}

	// The new view starts from a clean highlight state.
	states, err := second.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	for id, on := range states {
		if on {
			t.Fatalf("%s highlighted in fresh view", id)
		}
	}
	if f.svc.Len() != 1 {
		t.Fatalf("live views = %d, want 1", f.svc.Len())
	}
}

func TestAnalyze_SessionsAreIndependent(t *testing.T) {
	f := newFixture(t, nil)
	a, err := f.svc.Analyze(context.Background(), "sessA", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.Analyze(context.Background(), "sessB", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Toggle("site2", viewreg.PaneTable); err != nil {
		t.Fatal(err)
	}
	states, _ := b.Snapshot()
	if states["site2"] {
		t.Fatal("toggle leaked into another session's view")
	}
	if _, err := f.svc.View("sessB", a.ID); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("foreign view reachable: %v", err)
	}
	if _, err := f.svc.View("sessA", "view_../../etc"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("malformed id: %v", err)
	}
	if !strings.HasPrefix(a.ID, "view_") {
		t.Fatalf("view id = %q", a.ID)
	}
}

func TestAnalyze_CloseKillsRunningPipeline(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *View, 1)
	go func() {
		v, _ := f.svc.Analyze(ctx, "sess1", siteRequest("NM_SLOW"))
		done <- v
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case v := <-done:
		if v == nil || v.Status() != StatusFailed {
			t.Fatalf("cancelled analysis: %+v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline not killed on cancel")
	}
}

// --- lifecycle ---

func TestSweep_ExpiresOldViews(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	if n := f.svc.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh view swept: %d", n)
	}
	if n := f.svc.Sweep(time.Now().Add(f.cfg.Views.TTL + time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if v.Status() != StatusClosed || f.svc.Len() != 0 {
		t.Fatalf("status %s, live %d", v.Status(), f.svc.Len())
	}
}

func TestView_Fit(t *testing.T) {
	f := newFixture(t, nil)
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}

	fit, err := v.Fit(FrameDiagram, 320)
	if err != nil {
		t.Fatal(err)
	}
	if fit.Height != 320 || fit.Scrolling || fit.Parent != FrameResults {
		t.Fatalf("diagram fit = %+v", fit)
	}
	// Same document, same height.
	if again, _ := v.Fit(FrameDiagram, 320); again.Height != 320 {
		t.Fatalf("refit = %+v", again)
	}

	fit, err = v.Fit(FrameResults, 900)
	if err != nil {
		t.Fatal(err)
	}
	if fit.Frame != FrameResults || fit.Height != 900 || fit.Parent != "" {
		t.Fatalf("results fit = %+v", fit)
	}

	if _, err := v.Fit("nope", 10); err == nil {
		t.Fatal("unknown frame accepted")
	}
}

func TestService_Run_ClosesOnShutdown(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Views.SweepInterval = 10 * time.Millisecond })
	v, err := f.svc.Analyze(context.Background(), "sess1", siteRequest("NM_000001"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { f.svc.Run(ctx); close(done) }()
	cancel()
	<-done
	if v.Status() != StatusClosed || f.svc.Len() != 0 {
		t.Fatalf("status %s, live %d", v.Status(), f.svc.Len())
	}
}

package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KatelynHaworth/blob-carver/carve/chroot"
	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/formats/pe"
	"github.com/KatelynHaworth/blob-carver/carve/formats/ziparchive"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
	"github.com/kr/pretty"
)

var copyMagic = []byte("CPY!")

func tinyPE() []byte {
	image := make([]byte, 64)
	copy(image, "MZ")
	binary.LittleEndian.PutUint32(image[0x3c:], 4)
	copy(image[4:], "PE\x00\x00")
	binary.LittleEndian.PutUint16(image[8:], 0x14c)
	binary.LittleEndian.PutUint16(image[26:], 0x0102)
	return image
}

// copyExtractor carves the 16 bytes at the offset,
// the carved file matches its own signature.
func copyExtractor(doNotRecurse bool) extractors.Extractor {
	return extractors.Extractor{
		Name:         "copy",
		Format:       "copy",
		DoNotRecurse: doNotRecurse,
		Utility: extractors.Internal{Func: func(blob []byte, offset int, out *string) extractors.Result {
			if len(blob)-offset < 16 {
				return extractors.Result{}
			}

			result := extractors.Result{Success: true, Size: extractors.SizeOf(16)}
			if out != nil {
				if _, err := chroot.New(out).Carve("copy.bin", blob, offset, 16); err != nil {
					return extractors.Result{Err: err}
				}
				result.OutputDirectory = *out
			}

			return result
		}},
	}
}

// fanExtractor writes three files without any
// signature for every candidate.
func fanExtractor() extractors.Extractor {
	return extractors.Extractor{
		Name:   "fan",
		Format: "fan",
		Utility: extractors.Internal{Func: func(_ []byte, _ int, out *string) extractors.Result {
			result := extractors.Result{Success: true, Size: extractors.SizeOf(4)}
			if out != nil {
				root := chroot.New(out)
				for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
					if !root.CreateFile(name, make([]byte, 16)) {
						return extractors.Result{}
					}
				}
			}

			return result
		}},
	}
}

func newEngine(t *testing.T, out *string, opts Options, exs ...extractors.Extractor) *Engine {
	t.Helper()

	registry := extractors.NewRegistry()
	for _, ex := range exs {
		registry.Register(ex)
	}

	matcher := signature.NewMagicMatcher(
		pe.Signature(),
		ziparchive.Signature(),
		signature.Signature{Format: "copy", Magic: copyMagic},
		signature.Signature{Format: "fan", Magic: []byte("FAN!")},
		signature.Signature{Format: "boom", Magic: []byte("BOOM")},
		signature.Signature{Format: "tool", Magic: []byte("TOOL")},
		signature.Signature{Format: "flaky", Magic: []byte("FLKY")},
	)

	opts.OutputDirectory = out
	engine, err := New(registry, matcher, opts)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	return engine
}

type summary struct {
	Depth     int
	Source    string
	Offset    int
	Format    string
	Extractor string
	Status    Status
	Size      int
}

func summarize(base string, report *Report) []summary {
	out := make([]summary, len(report.Records))
	for i, record := range report.Records {
		source, err := filepath.Rel(base, record.Source)
		if err != nil || len(base) == 0 {
			source = filepath.Base(record.Source)
		}

		out[i] = summary{
			Depth:     record.Depth,
			Source:    filepath.ToSlash(source),
			Offset:    record.Offset,
			Format:    record.Format,
			Extractor: record.Extractor,
			Status:    record.Status,
		}

		if record.Size != nil {
			out[i].Size = *record.Size
		}
	}

	return out
}

func TestScanBlob_ValidationOnly(t *testing.T) {
	blob := make([]byte, 10000)
	copy(blob[50:], "MZ")
	copy(blob[100:], tinyPE())

	engine := newEngine(t, nil, Options{}, pe.Extractor())

	report, err := engine.ScanBlob(context.Background(), "input.bin", blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []summary{
		{Source: "input.bin", Offset: 50, Format: "pe", Extractor: "pe", Status: StatusFailed},
		{Source: "input.bin", Offset: 100, Format: "pe", Extractor: "pe", Status: StatusValidated, Size: 64},
	}

	if diff := pretty.Diff(summarize("", report), want); len(diff) > 0 {
		t.Errorf("unexpected records: %v", diff)
	}

	if len(engine.OutputDirectory()) != 0 {
		t.Errorf("expected no output directory, got %s", engine.OutputDirectory())
	}
}

func TestScanBlob_ExtractsAndRecurses(t *testing.T) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	w, _ := writer.CreateHeader(&zip.FileHeader{Name: "inner.exe", Method: zip.Store})
	_, _ = w.Write(tinyPE())
	_ = writer.Close()

	blob := make([]byte, 4096)
	copy(blob[0x200:], buf.Bytes())

	out := t.TempDir()
	engine := newEngine(t, &out, Options{Recurse: true}, pe.Extractor(), ziparchive.Extractor())

	report, err := engine.ScanBlob(context.Background(), "firmware.bin", blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []summary{
		{Source: "firmware.bin", Offset: 0x200, Format: "zip", Extractor: "zip", Status: StatusExtracted, Size: buf.Len()},
		{Source: "firmware.bin", Offset: 0x200 + 30 + len("inner.exe"), Format: "pe", Extractor: "pe", Status: StatusSkippedOverlap},
		{Depth: 1, Source: "firmware.bin.extracted/200/contents/inner.exe", Format: "pe", Extractor: "pe", Status: StatusExtracted, Size: 64},
	}

	if diff := pretty.Diff(summarize(out, report), want); len(diff) > 0 {
		t.Fatalf("unexpected records: %v", diff)
	}

	carved, err := os.ReadFile(filepath.Join(out, "firmware.bin.extracted", "200.extracted", "contents", "inner.exe", "0", pe.ExecutableName))
	if err != nil {
		t.Fatalf("nested carve missing: %v", err)
	}
	if !bytes.Equal(carved, tinyPE()) {
		t.Error("nested carve does not match the archived image")
	}

	if report.Files != 2 || report.Truncated || report.Cancelled {
		t.Errorf("unexpected report flags: %+v", report)
	}
}

func TestScanBlob_DoNotRecurseSelfReferential(t *testing.T) {
	blob := append(append([]byte{}, copyMagic...), make([]byte, 60)...)

	out := t.TempDir()
	engine := newEngine(t, &out, Options{Recurse: true, MaxDepth: 3}, copyExtractor(true))

	report, err := engine.ScanBlob(context.Background(), "self.bin", blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Records) != 1 || report.Records[0].Status != StatusExtracted || report.Files != 1 {
		t.Fatalf("expected a single extraction, got %# v", pretty.Formatter(summarize(out, report)))
	}

	if _, err = os.Stat(filepath.Join(out, "self.bin.extracted", "0.extracted")); !os.IsNotExist(err) {
		t.Error("output of a do-not-recurse extractor was scanned")
	}
}

func TestScanBlob_DepthLimit(t *testing.T) {
	blob := append(append([]byte{}, copyMagic...), make([]byte, 60)...)

	out := t.TempDir()
	engine := newEngine(t, &out, Options{Recurse: true, MaxDepth: 3}, copyExtractor(false))

	report, err := engine.ScanBlob(context.Background(), "self.bin", blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := report.Count(StatusExtracted); got != 4 {
		t.Errorf("expected 4 extractions, got %d", got)
	}

	if got := report.Count(StatusTruncated); got != 1 || !report.Truncated {
		t.Fatalf("expected one truncated record, got %d", got)
	}

	last := report.Records[len(report.Records)-1]
	if last.Status != StatusTruncated || last.Depth != 4 || !errors.Is(last.Err, ErrRecursionLimit) {
		t.Errorf("unexpected truncated record: %+v", last)
	}
}

func TestScanBlob_FileLimit(t *testing.T) {
	out := t.TempDir()
	engine := newEngine(t, &out, Options{Recurse: true, MaxFiles: 2}, fanExtractor())

	report, err := engine.ScanBlob(context.Background(), "fan.bin", []byte("FAN!...."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Files != 2 {
		t.Errorf("expected 2 files, got %d", report.Files)
	}
	if got := report.Count(StatusTruncated); got != 2 {
		t.Errorf("expected 2 truncated records, got %d", got)
	}
}

func TestScanBlob_RecurseDisabled(t *testing.T) {
	out := t.TempDir()
	engine := newEngine(t, &out, Options{}, fanExtractor())

	report, err := engine.ScanBlob(context.Background(), "fan.bin", []byte("FAN!...."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Files != 1 || len(report.Records) != 1 {
		t.Errorf("expected only the input to be scanned, got %# v", pretty.Formatter(summarize(out, report)))
	}
}

func TestScanBlob_FaultIsolation(t *testing.T) {
	boom := extractors.Extractor{
		Name:   "boom",
		Format: "boom",
		Utility: extractors.Internal{Func: func([]byte, int, *string) extractors.Result {
			panic("corrupt parser state")
		}},
	}

	blob := make([]byte, 512)
	copy(blob[10:], "BOOM")
	copy(blob[200:], tinyPE())

	out := t.TempDir()
	engine := newEngine(t, &out, Options{}, boom, pe.Extractor())

	report, err := engine.ScanBlob(context.Background(), "mixed.bin", blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Records) != 2 {
		t.Fatalf("expected 2 records, got %# v", pretty.Formatter(summarize(out, report)))
	}

	if record := report.Records[0]; record.Status != StatusFailed || !errors.Is(record.Err, extractors.ErrExtractorFault) {
		t.Errorf("expected faulted record, got %+v", record)
	}

	if record := report.Records[1]; record.Status != StatusExtracted || *record.Size != 64 {
		t.Errorf("expected PE to be extracted, got %+v", record)
	}
}

func TestScanBlob_FallsBackToNextExtractor(t *testing.T) {
	primary := extractors.Extractor{
		Name:     "flaky-primary",
		Format:   "flaky",
		Priority: 10,
		Utility: extractors.Internal{Func: func(_ []byte, _ int, out *string) extractors.Result {
			// Validates but can never extract.
			return extractors.Result{Success: out == nil, Size: extractors.SizeOf(4)}
		}},
	}

	secondary := extractors.Extractor{
		Name:   "flaky-secondary",
		Format: "flaky",
		Utility: extractors.Internal{Func: func(blob []byte, offset int, out *string) extractors.Result {
			if out != nil && !chroot.New(out).CarveFile("payload.bin", blob, offset, 4) {
				return extractors.Result{}
			}
			return extractors.Result{Success: true, Size: extractors.SizeOf(4)}
		}},
	}

	out := t.TempDir()
	engine := newEngine(t, &out, Options{}, secondary, primary)

	report, err := engine.ScanBlob(context.Background(), "flaky.bin", []byte("FLKY"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record := report.Records[0]
	if record.Status != StatusExtracted || record.Extractor != "flaky-secondary" {
		t.Fatalf("expected fallback extraction, got %+v", record)
	}

	if _, err = os.Stat(filepath.Join(record.OutputDirectory, "payload.bin")); err != nil {
		t.Errorf("fallback output missing: %v", err)
	}
}

func TestScanBlob_ToolUnavailable(t *testing.T) {
	tool := extractors.Extractor{
		Name:    "tool",
		Format:  "tool",
		Utility: extractors.External{Command: "definitely-not-a-real-tool-name"},
	}

	out := t.TempDir()
	engine := newEngine(t, &out, Options{}, tool)

	report, err := engine.ScanBlob(context.Background(), "tool.bin", []byte("TOOL...."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if record := report.Records[0]; record.Status != StatusToolUnavailable || !errors.Is(record.Err, extractors.ErrToolUnavailable) {
		t.Errorf("expected tool_unavailable, got %+v", record)
	}

	if _, err = os.Stat(filepath.Join(out, "tool.bin.extracted", "0")); !os.IsNotExist(err) {
		t.Error("failed extraction left its directory behind")
	}
}

func TestScanBlob_InvalidDescriptorAborts(t *testing.T) {
	broken := extractors.Extractor{Name: "copy", Format: "copy", Utility: extractors.Internal{}}
	engine := newEngine(t, nil, Options{}, broken)

	_, err := engine.ScanBlob(context.Background(), "copy.bin", append([]byte("CPY!"), make([]byte, 12)...))
	if !errors.Is(err, extractors.ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
}

func TestScanBlob_DeterministicAndIdempotent(t *testing.T) {
	blob := make([]byte, 8192)
	for _, offset := range []int{100, 900, 1700, 2500, 3300, 4100, 4900, 5700} {
		copy(blob[offset:], tinyPE())
	}
	copy(blob[6500:], "FAN!")

	out := t.TempDir()

	var runs [3][]summary
	var carved [3][]byte
	for i := range runs {
		engine := newEngine(t, &out, Options{Workers: 8, Recurse: true}, pe.Extractor(), fanExtractor())

		report, err := engine.ScanBlob(context.Background(), "many.bin", blob)
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}

		runs[i] = summarize(out, report)
		carved[i], _ = os.ReadFile(filepath.Join(out, "many.bin.extracted", "1324", pe.ExecutableName))
	}

	for i := 1; i < len(runs); i++ {
		if diff := pretty.Diff(runs[0], runs[i]); len(diff) > 0 {
			t.Errorf("run %d differs: %v", i, diff)
		}
		if !bytes.Equal(carved[0], carved[i]) || len(carved[i]) != 64 {
			t.Errorf("run %d carved different content", i)
		}
	}

	if len(runs[0]) != 9 {
		t.Errorf("expected 9 records, got %d", len(runs[0]))
	}
}

func TestScanBlob_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newEngine(t, nil, Options{}, pe.Extractor())

	report, err := engine.ScanBlob(ctx, "input.bin", tinyPE())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !report.Cancelled || report.Count(StatusCancelled) != 1 {
		t.Errorf("expected cancelled report, got %+v", report)
	}
}

func TestScanBlob_CancelledDuringExtraction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	member := append(append([]byte{}, copyMagic...), make([]byte, 28)...)
	interrupting := extractors.Extractor{
		Name:   "interrupting",
		Format: "fan",
		Utility: extractors.Internal{Func: func(_ []byte, _ int, out *string) extractors.Result {
			result := extractors.Result{Success: true, Size: extractors.SizeOf(4)}
			if out != nil {
				root := chroot.New(out)
				for _, name := range []string{"a.bin", "b.bin"} {
					if !root.CreateFile(name, member) {
						return extractors.Result{}
					}
				}

				cancel()
			}

			return result
		}},
	}

	out := t.TempDir()
	engine := newEngine(t, &out, Options{Recurse: true}, interrupting, copyExtractor(false))

	report, err := engine.ScanBlob(ctx, "fan.bin", []byte("FAN!...."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []summary{
		{Source: "fan.bin", Format: "fan", Extractor: "interrupting", Status: StatusExtracted, Size: 4},
		{Depth: 1, Source: "fan.bin.extracted/0/a.bin", Status: StatusCancelled},
		{Depth: 1, Source: "fan.bin.extracted/0/b.bin", Status: StatusCancelled},
	}

	if diff := pretty.Diff(summarize(out, report), want); len(diff) > 0 {
		t.Errorf("unexpected records: %v", diff)
	}

	if !report.Cancelled {
		t.Error("expected the report to be marked as cancelled")
	}

	if _, err = os.Stat(filepath.Join(out, "fan.bin.extracted", "0.extracted")); !os.IsNotExist(err) {
		t.Error("extracted files were scanned after cancellation")
	}

	_ = filepath.WalkDir(out, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(entry.Name(), ".partial") {
			t.Errorf("partial file left behind: %s", path)
		}
		return nil
	})
}

func TestScanBlob_ChildRootsDoNotCollide(t *testing.T) {
	clash := extractors.Extractor{
		Name:   "clash",
		Format: "fan",
		Utility: extractors.Internal{Func: func(_ []byte, _ int, out *string) extractors.Result {
			result := extractors.Result{Success: true, Size: extractors.SizeOf(4)}
			if out != nil {
				root := chroot.New(out)
				for _, name := range []string{"a", "a.extracted/0/x"} {
					if !root.CreateFile(name, tinyPE()) {
						return extractors.Result{}
					}
				}
			}

			return result
		}},
	}

	out := t.TempDir()
	engine := newEngine(t, &out, Options{Recurse: true, Workers: 4}, clash, pe.Extractor())

	report, err := engine.ScanBlob(context.Background(), "clash.bin", []byte("FAN!...."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []summary{
		{Source: "clash.bin", Format: "fan", Extractor: "clash", Status: StatusExtracted, Size: 4},
		{Depth: 1, Source: "clash.bin.extracted/0/a", Format: "pe", Extractor: "pe", Status: StatusExtracted, Size: 64},
		{Depth: 1, Source: "clash.bin.extracted/0/a.extracted/0/x", Format: "pe", Extractor: "pe", Status: StatusExtracted, Size: 64},
	}

	if diff := pretty.Diff(summarize(out, report), want); len(diff) > 0 {
		t.Fatalf("unexpected records: %v", diff)
	}

	for _, name := range []string{
		filepath.Join("clash.bin.extracted", "0", "a.extracted", "0", "x"),
		filepath.Join("clash.bin.extracted", "0.extracted", "a", "0", pe.ExecutableName),
		filepath.Join("clash.bin.extracted", "0.extracted", "a.extracted", "0", "x", "0", pe.ExecutableName),
	} {
		if _, err = os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}

func TestNew_OutputRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-directory")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := New(extractors.NewRegistry(), signature.NewMagicMatcher(), Options{OutputDirectory: &file})
	if !errors.Is(err, ErrOutputRoot) {
		t.Errorf("expected ErrOutputRoot, got %v", err)
	}
}

func TestScanFile(t *testing.T) {
	input := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(input, tinyPE(), 0644); err != nil {
		t.Fatal(err)
	}

	engine := newEngine(t, nil, Options{}, pe.Extractor())

	report, err := engine.ScanFile(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Successful()) != 1 {
		t.Errorf("expected one successful record, got %d", len(report.Successful()))
	}

	if _, err = engine.ScanFile(context.Background(), input+".missing"); err == nil {
		t.Error("expected missing input to fail")
	}
}

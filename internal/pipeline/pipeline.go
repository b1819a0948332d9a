// Package pipeline exports saved artifacts as runnable code: a
// standalone Go program per artifact, optionally tied together by an
// Airflow DAG definition.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/sync/errgroup"

	"linea/internal/artifact"
	"linea/internal/logging"
	"linea/internal/slicer"
	"linea/internal/store"
	"linea/internal/types"
)

// Format selects the export flavor.
type Format string

const (
	// FormatScript writes one runnable Go program per artifact.
	FormatScript Format = "script"
	// FormatAirflow writes the programs plus an Airflow DAG that runs
	// them in order.
	FormatAirflow Format = "airflow"
)

// Writer exports artifacts into an output directory.
type Writer struct {
	db     *store.LineaStore
	outDir string
}

// New returns a Writer targeting outDir. The directory is created on
// first export.
func New(db *store.LineaStore, outDir string) *Writer {
	return &Writer{db: db, outDir: outDir}
}

// Export writes the named artifacts (latest version each) in the given
// format and returns the paths written. Artifacts are exported
// concurrently; the DAG file, when requested, is written last.
func (w *Writer) Export(ctx context.Context, name string, artifacts []string, format Format) ([]string, error) {
	if format != FormatScript && format != FormatAirflow {
		return nil, fmt.Errorf("unknown export format %q", format)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("pipeline %s: no artifacts to export", name)
	}
	if err := os.MkdirAll(w.outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timer := logging.StartTimer(logging.CategoryPipeline, "Export")
	defer timer.Stop()
	logging.Pipeline("exporting pipeline %s (%d artifacts, format=%s)", name, len(artifacts), format)

	paths := make([]string, len(artifacts))
	g, ctx := errgroup.WithContext(ctx)
	for i, artifactName := range artifacts {
		i, artifactName := i, artifactName
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, err := w.exportScript(artifactName)
			if err != nil {
				return fmt.Errorf("artifact %s: %w", artifactName, err)
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if format == FormatAirflow {
		dagPath, err := w.writeDAG(name, artifacts)
		if err != nil {
			return nil, err
		}
		paths = append(paths, dagPath)
	}

	sort.Strings(paths)
	return paths, nil
}

// exportScript writes one artifact as a standalone Go program built
// from its code slice.
func (w *Writer) exportScript(name string) (string, error) {
	art, err := artifact.Get(w.db, name, "")
	if err != nil {
		return "", err
	}
	g, err := art.Graph()
	if err != nil {
		return "", err
	}
	sub, err := slicer.SliceNodes(g, []types.LineaID{art.NodeID})
	if err != nil {
		return "", err
	}

	imports := make(map[string]bool)
	bodyLines := make(map[int]bool)
	for _, n := range sub.Nodes() {
		if imp, ok := n.(types.ImportNode); ok {
			imports[imp.Module] = true
			continue
		}
		if n.Line() > 0 {
			bodyLines[n.Line()] = true
		}
	}

	src := strings.Split(g.SourceCode(), "\n")
	var lines []int
	for line := range bodyLines {
		if line >= 1 && line <= len(src) {
			lines = append(lines, line)
		}
	}
	sort.Ints(lines)

	var b strings.Builder
	b.WriteString("// Code generated by linea export. DO NOT EDIT.\n")
	b.WriteString("package main\n")
	if len(imports) > 0 {
		paths := make([]string, 0, len(imports))
		for p := range imports {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		b.WriteString("\nimport (\n")
		for _, p := range paths {
			fmt.Fprintf(&b, "\t%q\n", p)
		}
		b.WriteString(")\n")
	}
	b.WriteString("\nfunc main() {\n")
	for _, line := range lines {
		text := strings.TrimRight(src[line-1], " \t")
		if !strings.HasPrefix(text, "\t") {
			text = "\t" + strings.TrimLeft(text, " \t")
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\tfmt.Println(%q)\n}\n", "artifact "+name+" materialized")

	path := filepath.Join(w.outDir, scriptFileName(name))
	if err := os.WriteFile(path, []byte(ensureFmtImport(b.String())), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	logging.PipelineDebug("wrote %s (%d slice lines)", path, len(lines))
	return path, nil
}

// ensureFmtImport adds fmt to the import block when the slice itself
// did not pull it in. The trailer printed by every exported script
// depends on it.
func ensureFmtImport(src string) string {
	if strings.Contains(src, "\t\"fmt\"\n") {
		return src
	}
	if i := strings.Index(src, "import (\n"); i >= 0 {
		return src[:i+len("import (\n")] + "\t\"fmt\"\n" + src[i+len("import (\n"):]
	}
	return strings.Replace(src, "package main\n", "package main\n\nimport (\n\t\"fmt\"\n)\n", 1)
}

func scriptFileName(artifactName string) string {
	return sanitize(artifactName) + ".go"
}

var dagTemplate = template.Must(template.New("dag").Parse(`# Code generated by linea export. DO NOT EDIT.
from datetime import datetime, timedelta

from airflow import DAG
from airflow.operators.bash import BashOperator

default_args = {
    "owner": "linea",
    "retries": 2,
    "retry_delay": timedelta(minutes=5),
}

with DAG(
    dag_id="{{.DAGID}}",
    default_args=default_args,
    schedule_interval="*/15 * * * *",
    start_date=datetime(2024, 1, 1),
    catchup=False,
) as dag:
{{range .Tasks}}    {{.TaskID}} = BashOperator(
        task_id="{{.TaskID}}",
        bash_command="go run {{.Script}}",
    )
{{end}}
{{- if .Chain}}    {{.Chain}}
{{end -}}
`))

type dagTask struct {
	TaskID string
	Script string
}

// writeDAG emits an Airflow DAG that runs the exported scripts one
// after another in the order the artifacts were listed.
func (w *Writer) writeDAG(name string, artifacts []string) (string, error) {
	tasks := make([]dagTask, len(artifacts))
	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		tasks[i] = dagTask{TaskID: sanitize(a), Script: scriptFileName(a)}
		ids[i] = sanitize(a)
	}

	var chain string
	if len(ids) > 1 {
		chain = strings.Join(ids, " >> ")
	}

	var b strings.Builder
	err := dagTemplate.Execute(&b, struct {
		DAGID string
		Tasks []dagTask
		Chain string
	}{DAGID: sanitize(name) + "_dag", Tasks: tasks, Chain: chain})
	if err != nil {
		return "", fmt.Errorf("failed to render DAG: %w", err)
	}

	path := filepath.Join(w.outDir, sanitize(name)+"_dag.py")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	logging.Pipeline("wrote DAG %s with %d task(s)", path, len(tasks))
	return path, nil
}

// sanitize maps an artifact name onto an identifier usable as a file
// stem and Airflow task id.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "artifact"
	}
	return b.String()
}

package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"simple vars", "Hello {{name}}, task {{task_id}}.", Vars{"name": "Alice", "task_id": "42"}, "Hello Alice, task 42."},
		{"no vars", "No variables here.", Vars{}, "No variables here."},
		{"conditional present", "Start.{{#if plan}}\nPlan: {{plan}}\n{{/if}}End.", Vars{"plan": "step one"}, "Start.\nPlan: step one\nEnd."},
		{"conditional absent", "Start.{{#if plan}}\nPlan: {{plan}}\n{{/if}}End.", Vars{}, "Start.End."},
		{"conditional empty", "{{#if plan}}has plan{{/if}}", Vars{"plan": ""}, ""},
		{"multiple conditionals", "{{#if a}}A={{a}}{{/if}} {{#if b}}B={{b}}{{/if}}", Vars{"a": "yes"}, "A=yes "},
		{"nested", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "yes", "b": "yes"}, "outer inner end"},
		{"nested outer absent", "START{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}FINISH", Vars{}, "STARTFINISH"},
		{"absent block hides missing vars", "START{{#if x}}content with {{y}}{{/if}}MORE", Vars{}, "STARTMORE"},
		{"trailing space in tag", "{{#if x }}content{{/if}}", Vars{"x": "yes"}, "content"},
		{"value with template syntax", "Hello {{name}}", Vars{"name": "{{evil}}"}, "Hello {{evil}}"},
		{"value referencing another var", "{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"}, "{{b}} and hello"},
		{"value looking like end tag", "{{#if note}}Note: {{note}}{{/if}} done", Vars{"note": "use {{/if}} carefully"}, "Note: use {{/if}} carefully done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a, c") {
		t.Errorf("error should list the missing vars, got: %v", err)
	}
}

func TestRender_MalformedConditionals(t *testing.T) {
	if _, err := Render("START{{#if x}}content MORE", Vars{"x": "yes"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got: %v", err)
	}
	if _, err := Render("content{{/if}}", Vars{}); err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got: %v", err)
	}
}

func TestBuiltin_Worker(t *testing.T) {
	vars := Vars{
		"task_id":        "42",
		"task_title":     "Add auth",
		"plan":           "step one",
		"description":    "Protect the API.",
		"task_url":       "",
		"commit_message": "Add auth (task 42)",
	}
	out, err := Builtin(Worker, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"task 42: Add auth", "## Implementation plan\n\nstep one", "## Task description\n\nProtect the API.", `"Add auth (task 42)"`} {
		if !strings.Contains(out, want) {
			t.Errorf("worker prompt missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Task link") {
		t.Errorf("empty task_url should drop the link:\n%s", out)
	}
}

func TestBuiltin_PRBody(t *testing.T) {
	out, err := Builtin(PRBody, Vars{"resolves": "task 42", "analysis_fallback": "", "review_rounds": "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "Resolves task 42.") || !strings.Contains(out, "Review rounds: 2") {
		t.Errorf("unexpected body:\n%s", out)
	}
	if strings.Contains(out, "Analysis failed") {
		t.Errorf("analysis note should be dropped:\n%s", out)
	}
}

func TestBuiltinTemplateNames(t *testing.T) {
	names := Names()
	for _, want := range []string{Analyze, Fix, PRBody, Review, Worker} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("missing built-in template: %q", want)
		}
	}
}

func TestSet_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Worker), []byte("custom {{task_id}}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := Set{Dir: dir}
	out, err := s.Render(Worker, Vars{"task_id": "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "custom 42" {
		t.Errorf("expected override, got %q", out)
	}

	// Templates without an override fall back to the built-in.
	tmpl, err := s.Load(Review)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tmpl != reviewTemplate {
		t.Errorf("expected built-in review template")
	}
}

func TestSet_RejectsPaths(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(filepath.Dir(dir), "secret.txt")
	for _, name := range []string{"../secret.txt", secret, "", ".."} {
		if content, err := (Set{Dir: dir}).Load(name); err == nil {
			t.Errorf("Load(%q) succeeded: %q", name, content)
		}
	}
}

func TestSet_Unknown(t *testing.T) {
	if _, err := (Set{}).Load("nonexistent.md"); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, Worker), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := Install(dir)
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(written) != len(builtinTemplates)-1 {
		t.Errorf("expected %d templates written, got %v", len(builtinTemplates)-1, written)
	}
	data, err := os.ReadFile(filepath.Join(dir, Worker))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mine" {
		t.Errorf("existing template was overwritten: %q", data)
	}

	written, err = Install(dir)
	if err != nil {
		t.Fatalf("second install error: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("second install wrote %v", written)
	}
}

package filetree

import (
	"reflect"
	"testing"
)

func TestPutFileSynthesizesAncestorFolders(t *testing.T) {
	tree := New()
	if err := tree.PutFile("src/components/App.tsx", Entry{Content: "x"}); err != nil {
		t.Fatalf("put file: %v", err)
	}

	for _, dir := range []string{"src", "src/components"} {
		entry, ok := tree.Get(dir)
		if !ok {
			t.Fatalf("missing synthesized folder %q", dir)
		}
		if entry.Kind != KindFolder {
			t.Fatalf("%q synthesized as kind %v, want folder", dir, entry.Kind)
		}
	}
}

func TestFileInterpretationWinsOverFolderPlaceholder(t *testing.T) {
	tree := New()
	if err := tree.PutFolder("src/App.tsx"); err != nil {
		t.Fatalf("put folder: %v", err)
	}
	if err := tree.PutFile("src/App.tsx", Entry{Content: "x"}); err != nil {
		t.Fatalf("put file over placeholder: %v", err)
	}
	entry, ok := tree.Get("src/App.tsx")
	if !ok || entry.Kind != KindFile {
		t.Fatalf("expected file entry, got %+v ok=%v", entry, ok)
	}

	// The reverse order must not displace the file.
	if err := tree.PutFolder("src/App.tsx"); err != nil {
		t.Fatalf("put folder over file: %v", err)
	}
	entry, _ = tree.Get("src/App.tsx")
	if entry.Kind != KindFile {
		t.Fatalf("folder placeholder displaced an existing file")
	}
}

func TestPutFileAncestorConflictLeavesTreeUnchanged(t *testing.T) {
	tree := New()
	if err := tree.PutFile("app", Entry{Content: "#!/bin/sh"}); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	before := tree.Len()
	if err := tree.PutFile("app/config/settings.json", Entry{Content: "{}"}); err == nil {
		t.Fatalf("expected conflict with file ancestor")
	}
	if got := tree.Len(); got != before {
		t.Fatalf("failed put mutated the tree: %d entries, want %d", got, before)
	}
	if _, ok := tree.Get("app/config/settings.json"); ok {
		t.Fatalf("conflicting file entry left behind")
	}
	if _, ok := tree.Get("app/config"); ok {
		t.Fatalf("folder synthesized despite the conflict")
	}
}

func TestIsFileLike(t *testing.T) {
	cases := []struct {
		path    string
		content string
		want    bool
	}{
		{"src/App.tsx", "", true},
		{"src", "", false},
		{"assets", "", false},
		{"Dockerfile", "", false},
		{"Dockerfile", "FROM scratch", true},
		{"notes", "todo", true},
	}
	for _, tc := range cases {
		if got := IsFileLike(tc.path, tc.content); got != tc.want {
			t.Fatalf("IsFileLike(%q, %d bytes): got %v want %v", tc.path, len(tc.content), got, tc.want)
		}
	}
}

func TestNormalizeRejectsEscapes(t *testing.T) {
	if _, err := Normalize("../outside"); err == nil {
		t.Fatalf("expected rejection of workdir escape")
	}
	cleaned, err := Normalize("/src//main.go")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cleaned != "src/main.go" {
		t.Fatalf("normalize: got %q want %q", cleaned, "src/main.go")
	}
}

func TestRemoveFolderDropsSubtree(t *testing.T) {
	tree := New()
	if err := tree.PutFile("src/a.ts", Entry{Content: "a"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tree.PutFile("src/lib/b.ts", Entry{Content: "b"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tree.PutFile("readme.md", Entry{Content: "r"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	tree.Remove("src")

	if got, want := tree.FilePaths(), []string{"readme.md"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("files after folder removal: got %v want %v", got, want)
	}
}

package filters

import (
	"testing"

	"github.com/penguin-orz/datamax2/pkg/models"
)

func TestResolveDefaults(t *testing.T) {
	r := New(nil)

	filter, err := r.Resolve("docx", "pdf")
	if err != nil {
		t.Fatal(err)
	}
	if filter != "writer_pdf_Export" {
		t.Errorf("expected writer_pdf_Export, got %s", filter)
	}

	filter, err = r.Resolve("doc", "txt")
	if err != nil {
		t.Fatal(err)
	}
	if filter != "Text" {
		t.Errorf("expected Text, got %s", filter)
	}
}

func TestResolveNormalizesFormats(t *testing.T) {
	r := New(nil)

	filter, err := r.Resolve(".DOCX", " pdf ")
	if err != nil {
		t.Fatal(err)
	}
	if filter != "writer_pdf_Export" {
		t.Errorf("expected writer_pdf_Export, got %s", filter)
	}
}

func TestResolveUnknownTarget(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve("docx", "psd")
	if !models.IsKind(err, models.ErrInputInvalid) {
		t.Fatalf("expected input invalid, got %v", err)
	}
}

func TestResolveUnknownSource(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve("exe", "pdf")
	if !models.IsKind(err, models.ErrInputInvalid) {
		t.Fatalf("expected input invalid, got %v", err)
	}
}

func TestResolveSameSourceAndTarget(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve("docx", "docx")
	if !models.IsKind(err, models.ErrInputInvalid) {
		t.Fatalf("expected input invalid, got %v", err)
	}
}

func TestResolveOverrides(t *testing.T) {
	r := New(map[string]string{
		"pdf": "impress_pdf_Export",
		"md":  "Markdown",
	})

	filter, err := r.Resolve("pptx", "pdf")
	if err != nil {
		t.Fatal(err)
	}
	if filter != "impress_pdf_Export" {
		t.Errorf("override not applied, got %s", filter)
	}

	filter, err = r.Resolve("docx", "md")
	if err != nil {
		t.Fatal(err)
	}
	if filter != "Markdown" {
		t.Errorf("new target not applied, got %s", filter)
	}
}

func TestResolveOverrideRemovesTarget(t *testing.T) {
	r := New(map[string]string{"html": ""})
	_, err := r.Resolve("docx", "html")
	if !models.IsKind(err, models.ErrInputInvalid) {
		t.Fatalf("expected input invalid for removed target, got %v", err)
	}
}
